// Package pipeline runs the parse -> dedup -> deliver sequence over
// files and directories. Admission to the fingerprint store is
// serialized; delivery fans out across a bounded worker pool once each
// record has been admitted.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tracyhatemice/mailingest/internal/ingest"
	"github.com/tracyhatemice/mailingest/internal/parser"
	"github.com/tracyhatemice/mailingest/internal/store"
)

// Deliverer sends one normalized email downstream. *ingest.Client
// implements it; tests substitute fakes.
type Deliverer interface {
	Deliver(ctx context.Context, rec parser.EmailRecord) ingest.Outcome
}

// Options tunes a processing run.
type Options struct {
	// Workers bounds concurrent deliveries. Defaults to 4.
	Workers int
	// BatchSize caps the number of files producing new work per
	// directory run; files that turn out to be all duplicates do not
	// count, so successive capped runs still make progress. Zero
	// means unlimited.
	BatchSize int
	// ExtraLabels are appended to every record in the run.
	ExtraLabels []string
	// Extensions filters candidate files. Defaults to the parser's
	// supported set.
	Extensions []string
	// DrainGrace is how long in-flight deliveries may keep running
	// after the run context is cancelled, so a shutdown signal lets
	// them finish or hit their own timeout instead of cutting the
	// request mid-flight. Defaults to 30s.
	DrainGrace time.Duration
}

// Summary accumulates counts for a run. Parse failures count as
// failed files.
type Summary struct {
	Processed        int
	SkippedDuplicate int
	Failed           int
}

func (s *Summary) add(o Summary) {
	s.Processed += o.Processed
	s.SkippedDuplicate += o.SkippedDuplicate
	s.Failed += o.Failed
}

// Processor applies the ingestion pipeline to email files.
type Processor struct {
	store      *store.Store
	deliverer  Deliverer
	logger     *slog.Logger
	workers    int
	batchSize  int
	labels     []string
	extensions map[string]struct{}
	drainGrace time.Duration
}

// New creates a Processor around the given store and deliverer.
func New(st *store.Store, d Deliverer, logger *slog.Logger, opts Options) *Processor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	drainGrace := opts.DrainGrace
	if drainGrace <= 0 {
		drainGrace = 30 * time.Second
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = parser.DefaultExtensions
	}
	extSet := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		extSet[strings.ToLower(e)] = struct{}{}
	}
	return &Processor{
		store:      st,
		deliverer:  d,
		logger:     logger,
		workers:    workers,
		batchSize:  opts.BatchSize,
		labels:     opts.ExtraLabels,
		extensions: extSet,
		drainGrace: drainGrace,
	}
}

// Matches reports whether path has one of the configured extensions.
func (p *Processor) Matches(path string) bool {
	_, ok := p.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ProcessDirectory walks dir recursively and processes every matching
// file. Individual file failures are counted and logged, never abort
// the batch; only failures to record dedup state stop the run.
func (p *Processor) ProcessDirectory(ctx context.Context, dir string) (Summary, error) {
	var summary Summary
	files, newFiles := 0, 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !p.Matches(path) {
			return nil
		}
		if p.batchSize > 0 && newFiles >= p.batchSize {
			return fs.SkipAll
		}
		files++

		fileSummary, err := p.ProcessFile(ctx, path)
		summary.add(fileSummary)
		if err != nil {
			// Store-level failure: dedup guarantees are at risk.
			return err
		}
		if fileSummary.Processed+fileSummary.Failed > 0 {
			newFiles++
		}
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("process directory %s: %w", dir, err)
	}

	p.logger.Info("batch complete",
		"dir", dir,
		"files", files,
		"processed", summary.Processed,
		"skipped_duplicate", summary.SkippedDuplicate,
		"failed", summary.Failed,
	)
	return summary, nil
}

// ProcessFile parses one file and runs every contained email through
// dedup and delivery. The returned error is non-nil only when dedup
// state could not be recorded (or the context was cancelled); parse
// and delivery failures are reflected in the summary.
func (p *Processor) ProcessFile(ctx context.Context, path string) (Summary, error) {
	var summary Summary

	prs, err := parser.ForPath(path)
	if err != nil {
		summary.Failed++
		p.logger.Warn("skipping file", "path", path, "error", err)
		return summary, nil
	}

	records, parseErr := prs.Parse(path)
	if parseErr != nil {
		summary.Failed++
		p.logger.Warn("parse failed", "path", path, "error", parseErr)
	}
	if len(records) == 0 {
		return summary, nil
	}

	runSummary, err := p.ProcessRecords(ctx, records)
	summary.add(runSummary)
	return summary, err
}

// ProcessRecords admits each record to the fingerprint store and
// delivers the new ones through the worker pool.
func (p *Processor) ProcessRecords(ctx context.Context, records []parser.EmailRecord) (Summary, error) {
	var summary Summary

	// Admission is serialized: check-then-record must never race.
	var admitted []parser.EmailRecord
	for _, rec := range records {
		if len(p.labels) > 0 {
			rec.Labels = appendUnique(rec.Labels, p.labels)
		}

		isNew, err := p.store.Admit(rec.Fingerprint, rec.SourcePath, rec.Subject, rec.Sender)
		if err != nil {
			return summary, fmt.Errorf("admit %s: %w", rec.SourcePath, err)
		}
		if !isNew {
			summary.SkippedDuplicate++
			p.logger.Info("duplicate skipped",
				"path", rec.SourcePath,
				"subject", rec.Subject,
				"fingerprint", rec.Fingerprint,
			)
			continue
		}
		admitted = append(admitted, rec)
	}

	if len(admitted) == 0 {
		return summary, nil
	}

	type result struct {
		outcome  ingest.Outcome
		storeErr error
	}

	jobs := make(chan parser.EmailRecord)
	results := make(chan result, len(admitted))

	// Deliveries run on a drain context: cancelling ctx stops the run
	// admitting new files, but records already admitted keep their
	// delivery alive for up to drainGrace so they finish or time out
	// rather than get stranded as failed mid-request.
	deliverCtx, stopDelivery := drainContext(ctx, p.drainGrace)
	defer stopDelivery()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				outcome := p.deliverer.Deliver(deliverCtx, rec)

				status := store.StatusDelivered
				if !outcome.Success {
					status = store.StatusFailed
				}
				storeErr := p.store.SetStatus(rec.Fingerprint, status)

				if outcome.Success {
					p.logger.Info("delivered",
						"path", rec.SourcePath,
						"subject", rec.Subject,
						"attempts", outcome.Attempts,
					)
				} else {
					p.logger.Error("delivery failed",
						"path", rec.SourcePath,
						"subject", rec.Subject,
						"attempts", outcome.Attempts,
						"error", outcome.Err,
					)
				}
				results <- result{outcome: outcome, storeErr: storeErr}
			}
		}()
	}

	for _, rec := range admitted {
		jobs <- rec
	}
	close(jobs)
	wg.Wait()
	close(results)

	var firstStoreErr error
	for r := range results {
		if r.outcome.Success {
			summary.Processed++
		} else {
			summary.Failed++
		}
		if r.storeErr != nil && firstStoreErr == nil {
			firstStoreErr = r.storeErr
		}
	}
	return summary, firstStoreErr
}

// drainContext derives a context that stays live while parent is live,
// and for up to grace after parent is cancelled. The returned stop
// releases it immediately.
func drainContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-parent.Done():
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func appendUnique(labels, extra []string) []string {
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		seen[strings.ToLower(l)] = struct{}{}
	}
	for _, l := range extra {
		if _, ok := seen[strings.ToLower(l)]; ok {
			continue
		}
		seen[strings.ToLower(l)] = struct{}{}
		labels = append(labels, l)
	}
	return labels
}
