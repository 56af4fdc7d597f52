package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// ErrMailboxUnavailable is returned when no recipient of a message may
// receive mail
var ErrMailboxUnavailable = errors.New("mailbox unavailable")

// SMTPInboxConfig configures the forwarding inbox. With Accounts set only
// those addresses receive mail; otherwise at most MaxMailboxes recipients
// get a mailbox.
type SMTPInboxConfig struct {
	ListenAddress   string
	Domain          string
	Accounts        []string
	MaxMailboxes    int
	MaxMessages     int
	MaxMessageBytes int64
}

// SMTPInbox accepts forwarded mail over SMTP and keeps the newest messages
// per recipient in memory. Fetching does not consume messages.
type SMTPInbox struct {
	cfg    SMTPInboxConfig
	logger *zap.Logger
	server *smtp.Server
	now    func() time.Time

	allowed map[string]bool

	mu    sync.RWMutex
	boxes map[string][]*core.NormalizedMessage
}

// NewSMTPInbox creates a forwarding inbox
func NewSMTPInbox(cfg SMTPInboxConfig, logger *zap.Logger) *SMTPInbox {
	if cfg.MaxMailboxes <= 0 {
		cfg.MaxMailboxes = 1000
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 500
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 * 1024 * 1024
	}
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	var allowed map[string]bool
	if len(cfg.Accounts) > 0 {
		allowed = make(map[string]bool, len(cfg.Accounts))
		for _, a := range cfg.Accounts {
			allowed[normalizeAccount(a)] = true
		}
	}
	return &SMTPInbox{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		allowed: allowed,
		boxes:   make(map[string][]*core.NormalizedMessage),
	}
}

// accepts reports whether mail for key may be filed; callers hold mu
func (i *SMTPInbox) accepts(key string) bool {
	if i.allowed != nil {
		return i.allowed[key]
	}
	if _, ok := i.boxes[key]; ok {
		return true
	}
	return len(i.boxes) < i.cfg.MaxMailboxes
}

// Accepts reports whether mail for rcpt would currently be filed
func (i *SMTPInbox) Accepts(rcpt string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.accepts(normalizeAccount(rcpt))
}

// Provider implements core.MessageFetcher
func (i *SMTPInbox) Provider() core.Provider {
	return core.ProviderSMTPInbox
}

// Start starts the SMTP listener
func (i *SMTPInbox) Start() error {
	i.server = smtp.NewServer(&inboxBackend{inbox: i})
	i.server.Addr = i.cfg.ListenAddress
	i.server.Domain = i.cfg.Domain
	i.server.ReadTimeout = 30 * time.Second
	i.server.WriteTimeout = 30 * time.Second
	i.server.MaxMessageBytes = i.cfg.MaxMessageBytes
	i.server.MaxRecipients = 50
	i.server.AllowInsecureAuth = true

	i.logger.Info("SMTP inbox starting", zap.String("address", i.cfg.ListenAddress))

	go func() {
		if err := i.server.ListenAndServe(); err != nil && err != smtp.ErrServerClosed {
			i.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the SMTP listener
func (i *SMTPInbox) Stop() error {
	if i.server != nil {
		return i.server.Close()
	}
	return nil
}

// Deliver parses raw and files it under every recipient the inbox accepts.
// It fails with ErrMailboxUnavailable when there is no such recipient.
func (i *SMTPInbox) Deliver(raw []byte, recipients []string) (*core.NormalizedMessage, error) {
	msg, err := ParseMessage(raw, core.ProviderSMTPInbox)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}
	// The envelope arrival time wins over the Date header
	msg.ReceivedAt = i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	filed := 0
	for _, rcpt := range recipients {
		key := normalizeAccount(rcpt)
		if !i.accepts(key) {
			i.logger.Warn("Dropping message for unknown mailbox", zap.String("recipient", key))
			continue
		}
		filed++
		box := append(i.boxes[key], msg)
		if over := len(box) - i.cfg.MaxMessages; over > 0 {
			box = append([]*core.NormalizedMessage(nil), box[over:]...)
		}
		i.boxes[key] = box
	}
	if filed == 0 {
		return nil, ErrMailboxUnavailable
	}
	return msg, nil
}

// Fetch returns the newest messages delivered to creds.Account
func (i *SMTPInbox) Fetch(ctx context.Context, creds *core.Credentials, opts core.FetchOptions) ([]*core.NormalizedMessage, error) {
	if creds == nil || creds.Account == "" {
		return nil, core.NewFetchError(core.ProviderSMTPInbox, 400, fmt.Errorf("no inbox account"))
	}
	if err := ctx.Err(); err != nil {
		return nil, core.NewFetchError(core.ProviderSMTPInbox, 0, err)
	}

	query := strings.ToLower(strings.TrimSpace(opts.Query))

	i.mu.RLock()
	box := i.boxes[normalizeAccount(creds.Account)]
	out := make([]*core.NormalizedMessage, 0, len(box))
	for _, m := range box {
		if !opts.Matches(m) || !matchesQuery(m, query) {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	i.mu.RUnlock()

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].ReceivedAt.After(out[b].ReceivedAt)
	})
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

func normalizeAccount(addr string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(addr), "<>"))
}

func matchesQuery(m *core.NormalizedMessage, query string) bool {
	if query == "" {
		return true
	}
	for _, field := range []string{m.Subject, m.From.Email, m.From.Name, m.TextBody} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

type inboxBackend struct {
	inbox *SMTPInbox
}

// NewSession creates a new SMTP session
func (b *inboxBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &inboxSession{inbox: b.inbox}, nil
}

type inboxSession struct {
	inbox      *SMTPInbox
	sender     string
	recipients []string
}

func (s *inboxSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *inboxSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

func (s *inboxSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.inbox.Accepts(to) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *inboxSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.inbox.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	msg, err := s.inbox.Deliver(raw, s.recipients)
	if errors.Is(err, ErrMailboxUnavailable) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	if err != nil {
		s.inbox.logger.Warn("Rejected unparseable message",
			zap.String("from", s.sender),
			zap.Error(err))
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	s.inbox.logger.Debug("Message delivered",
		zap.String("message_id", msg.ID),
		zap.String("from", s.sender),
		zap.Int("recipients", len(s.recipients)))
	return nil
}

func (s *inboxSession) Logout() error {
	return nil
}
