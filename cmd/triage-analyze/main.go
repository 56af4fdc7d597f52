package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/fetcher"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/di"
	"github.com/mikey/llm-mail-triage/internal/ports"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *di.CLIFlags, cfg *config.Config, analyzer ports.Analyzer, model core.ModelClient, logger *zap.Logger) error {
	defer logger.Sync()
	defer func() {
		if closer, ok := model.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Error("Failed to close model client", zap.Error(err))
			}
		}
	}()

	// Read email from file or stdin
	var emailReader io.Reader
	if flags.InputFile != "" {
		file, err := os.Open(flags.InputFile)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer file.Close()
		emailReader = file
		logger.Info("Reading email from file", zap.String("file", flags.InputFile))
	} else {
		emailReader = os.Stdin
		logger.Info("Reading email from stdin")
	}

	raw, err := io.ReadAll(emailReader)
	if err != nil {
		return fmt.Errorf("failed to read email: %w", err)
	}
	msg, err := fetcher.ParseMessage(raw, core.Provider("file"))
	if err != nil {
		return fmt.Errorf("failed to parse email: %w", err)
	}
	if msg.ID == "" {
		msg.ID = "cli-message"
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	outcome, err := analyzer.Analyze(context.Background(), core.AnalysisRequest{
		Message: msg,
		User:    flags.UserContext(),
	})
	if err != nil {
		return fmt.Errorf("failed to analyze email: %w", err)
	}
	if !outcome.Success {
		logger.Warn("Model analysis failed, showing fallback result", zap.Error(outcome.Err))
	}

	if flags.JSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome.Analysis)
	}

	a := outcome.Analysis
	fmt.Printf("\n=== Email Summary ===\n")
	fmt.Printf("From: %s\n", msg.From)
	fmt.Printf("Subject: %s\n", msg.Subject)
	fmt.Printf("Attachments: %d\n", msg.AttachmentCount)
	fmt.Printf("Body length: %d bytes\n", len(msg.TextBody)+len(msg.HTMLBody))

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Provider: %s\n", cfg.GetString("llm.provider"))
	fmt.Printf("Summary: %s\n", a.Summary)
	fmt.Printf("Priority: %s (%.2f) %s\n", a.Priority.Level, a.Priority.Score, a.Priority.Reasoning)
	fmt.Printf("Sentiment: %s (%.2f)\n", a.Sentiment.Label, a.Sentiment.Score)
	fmt.Printf("Urgency: %s (%.2f)\n", a.Urgency.Level, a.Urgency.Score)
	fmt.Printf("Action required: %t\n", a.ActionRequired)
	if len(a.SuggestedActions) > 0 {
		fmt.Printf("Suggested actions: %s\n", strings.Join(a.SuggestedActions, "; "))
	}
	if len(a.KeyTopics) > 0 {
		fmt.Printf("Key topics: %s\n", strings.Join(a.KeyTopics, ", "))
	}
	fmt.Printf("VIP: %t (%.2f)\n", a.IsVIP, a.VIPScore)
	fmt.Printf("Priority score: %.4f\n", a.PriorityScore)
	fmt.Printf("Confidence: %.4f\n", a.Confidence)
	fmt.Printf("Model used: %s\n", a.ModelUsed)
	fmt.Printf("Processing time: %v\n", a.ProcessingTime)
	return nil
}
