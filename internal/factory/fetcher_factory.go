package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/fetcher"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

// Fetchers are the enabled provider adapters
type Fetchers struct {
	Fetchers []core.MessageFetcher
	Mutators map[core.Provider]core.MessageMutator
	// Inbox is nil unless the SMTP inbox is enabled
	Inbox *fetcher.SMTPInbox
}

// FetcherFactory creates provider adapters based on configuration
type FetcherFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewFetcherFactory creates a new fetcher factory
func NewFetcherFactory(cfg *config.Config, logger *zap.Logger) *FetcherFactory {
	return &FetcherFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateFetchers creates every enabled provider adapter
func (f *FetcherFactory) CreateFetchers() *Fetchers {
	out := &Fetchers{Mutators: make(map[core.Provider]core.MessageMutator)}

	if gmailCfg := f.cfg.GetProvider(string(core.ProviderGmail)); gmailCfg.Enabled {
		g := fetcher.NewGmailFetcher(gmailCfg.Endpoint, gmailCfg.PageSize, nil, f.logger.Named("gmail"))
		out.Fetchers = append(out.Fetchers, g)
		out.Mutators[core.ProviderGmail] = g
	}
	if outlookCfg := f.cfg.GetProvider(string(core.ProviderOutlook)); outlookCfg.Enabled {
		o := fetcher.NewOutlookFetcher(outlookCfg.Endpoint, outlookCfg.PageSize, nil, f.logger.Named("outlook"))
		out.Fetchers = append(out.Fetchers, o)
		out.Mutators[core.ProviderOutlook] = o
	}
	if inboxCfg := f.cfg.GetSMTPInbox(); inboxCfg.Enabled {
		out.Inbox = fetcher.NewSMTPInbox(fetcher.SMTPInboxConfig{
			ListenAddress:   inboxCfg.ListenAddress,
			Domain:          inboxCfg.Domain,
			Accounts:        inboxCfg.Accounts,
			MaxMailboxes:    inboxCfg.MaxMailboxes,
			MaxMessages:     inboxCfg.MaxMessages,
			MaxMessageBytes: inboxCfg.MaxMessageBytes,
		}, f.logger.Named("smtp_inbox"))
		out.Fetchers = append(out.Fetchers, out.Inbox)
	}

	f.logger.Info("Mail providers configured", zap.Int("count", len(out.Fetchers)))
	return out
}
