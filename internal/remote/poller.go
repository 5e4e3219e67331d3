package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailingest/internal/config"
	"github.com/tracyhatemice/mailingest/internal/parser"
	"github.com/tracyhatemice/mailingest/internal/pipeline"
)

// Poller monitors one remote mailbox and runs new messages through
// the ingestion pipeline.
type Poller struct {
	account   config.Account
	receiver  Receiver
	processor *pipeline.Processor
	logger    *slog.Logger
}

// NewPoller creates a Poller for the given account.
func NewPoller(
	acct config.Account,
	recv Receiver,
	processor *pipeline.Processor,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		account:   acct,
		receiver:  recv,
		processor: processor,
		logger:    logger,
	}
}

// Run polls the account on the configured interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("starting remote poller",
		"account", p.account.Name,
		"protocol", p.account.Protocol,
		"host", p.account.Host,
		"interval", p.account.CheckInterval(),
	)

	// Run immediately on start, then on interval.
	p.poll(ctx)

	ticker := time.NewTicker(p.account.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.receiver.Close()
			p.logger.Info("remote poller stopped", "account", p.account.Name)
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.logger.Debug("polling", "account", p.account.Name)

	msgs, err := p.receiver.Fetch(ctx, p.account.GetProcessDays())
	if err != nil {
		p.logger.Error("fetch failed", "account", p.account.Name, "error", err)
		return
	}
	if len(msgs) == 0 {
		p.logger.Debug("no messages", "account", p.account.Name)
		return
	}

	var records []parser.EmailRecord
	for _, msg := range msgs {
		source := fmt.Sprintf("%s://%s@%s#%s",
			p.account.Protocol, p.account.Username, p.account.Host, msg.ID)

		rec, err := parser.FromReader(bytes.NewReader(msg.Content), source, parser.FormatEML)
		if err != nil {
			p.logger.Warn("message parse failed",
				"account", p.account.Name,
				"msg_id", msg.ID,
				"error", err,
			)
			continue
		}
		records = append(records, rec)
	}

	summary, err := p.processor.ProcessRecords(ctx, records)
	if err != nil {
		p.logger.Error("processing failed", "account", p.account.Name, "error", err)
		return
	}

	p.logger.Info("poll complete",
		"account", p.account.Name,
		"processed", summary.Processed,
		"skipped_duplicate", summary.SkippedDuplicate,
		"failed", summary.Failed,
	)
}
