package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// maxPartBytes bounds how much of a single body part is read
const maxPartBytes = 2 << 20

// ParseMessage maps an RFC 822 message onto a NormalizedMessage. The first
// text/plain and text/html inline parts become the bodies; attachments are
// only counted. Parts in unknown charsets are kept undecoded.
func ParseMessage(raw []byte, provider core.Provider) (*core.NormalizedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	msg := &core.NormalizedMessage{
		Provider:  provider,
		SizeBytes: int64(len(raw)),
	}

	h := mr.Header
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.ID = id
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = toAddress(from[0])
	} else if raw := strings.TrimSpace(h.Get("From")); raw != "" {
		msg.From = core.Address{Email: strings.Trim(raw, "<>")}
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	if date, err := h.Date(); err == nil {
		msg.SentAt = date
		msg.ReceivedAt = date
	}
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.ThreadID = refs[0]
	} else {
		msg.ThreadID = msg.ID
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep whatever was parsed before the malformed part
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := ph.ContentType()
			body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
			if err != nil && !message.IsUnknownCharset(err) {
				continue
			}
			switch {
			case mediaType == "text/html" && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			case (mediaType == "text/plain" || mediaType == "") && msg.TextBody == "":
				msg.TextBody = string(body)
			}
		case *mail.AttachmentHeader:
			msg.AttachmentCount++
		}
	}

	return msg, nil
}

func toAddress(a *mail.Address) core.Address {
	return core.Address{Email: strings.ToLower(a.Address), Name: a.Name}
}

func addressList(h mail.Header, key string) []core.Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return []core.Address{}
	}
	out := make([]core.Address, 0, len(list))
	for _, a := range list {
		out = append(out, toAddress(a))
	}
	return out
}

