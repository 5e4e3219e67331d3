package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailingest/internal/ingest"
	"github.com/tracyhatemice/mailingest/internal/parser"
	"github.com/tracyhatemice/mailingest/internal/store"
)

const sampleEML = "From: a@x.com\r\n" +
	"To: b@y.com\r\n" +
	"Subject: Invoice #1\r\n" +
	"Date: Tue, 01 Jul 2025 10:00:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Please pay invoice 1.\r\n"

// fakeDeliverer records what it was asked to deliver and optionally
// fails every call.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []parser.EmailRecord
	fail      bool
}

func (f *fakeDeliverer) Deliver(_ context.Context, rec parser.EmailRecord) ingest.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, rec)
	if f.fail {
		return ingest.Outcome{
			Fingerprint: rec.Fingerprint,
			Attempts:    1,
			Err:         errors.New("downstream unavailable"),
		}
	}
	return ingest.Outcome{Fingerprint: rec.Fingerprint, Success: true, Attempts: 1}
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProcessFileNewThenDuplicate(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{}
	p := New(st, fake, testLogger(), Options{})

	dir := t.TempDir()
	path := writeFile(t, dir, "sample1.eml", sampleEML)

	summary, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1}, summary)
	assert.Equal(t, 1, fake.count())
	assert.Equal(t, int64(1), st.Count())

	// Feeding the identical file again delivers nothing new.
	summary, err = p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Summary{SkippedDuplicate: 1}, summary)
	assert.Equal(t, 1, fake.count(), "exactly one delivery attempt total")
	assert.Equal(t, int64(1), st.Count(), "store size unchanged")

	entry, err := st.Get(fake.delivered[0].Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.StatusDelivered, entry.DeliveryStatus)
}

func TestDuplicateAcrossPaths(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{}
	p := New(st, fake, testLogger(), Options{})

	dir := t.TempDir()
	writeFile(t, dir, "copy1.eml", sampleEML)
	writeFile(t, dir, "copy2.eml", sampleEML)

	summary, err := p.ProcessDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.SkippedDuplicate)
	assert.Equal(t, 1, fake.count())
}

func TestProcessDirectoryMBOX(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{}
	p := New(st, fake, testLogger(), Options{Workers: 2})

	var mboxContent string
	for i := 1; i <= 3; i++ {
		mboxContent += "From a@x.com Thu Jan  1 00:00:00 2025\r\n" +
			"From: a@x.com\r\n" +
			fmt.Sprintf("Subject: message %d\r\n", i) +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			fmt.Sprintf("body %d\r\n", i) +
			"\r\n"
	}
	dir := t.TempDir()
	writeFile(t, dir, "box.mbox", mboxContent)

	summary, err := p.ProcessDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, fake.count())
	assert.Equal(t, int64(3), st.Count(), "each contained message deduplicated independently")

	// Reprocessing the mailbox skips all three.
	summary, err = p.ProcessDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 3, summary.SkippedDuplicate)
}

func TestBatchSizeCapsFilesPerRun(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{}
	p := New(st, fake, testLogger(), Options{BatchSize: 1})

	dir := t.TempDir()
	writeFile(t, dir, "a.eml", sampleEML)
	writeFile(t, dir, "b.eml", "From: other@x.com\r\nSubject: second\r\nContent-Type: text/plain\r\n\r\nsecond body\r\n")

	summary, err := p.ProcessDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed+summary.SkippedDuplicate+summary.Failed)

	// The next invocation picks up the remainder.
	summary, err = p.ProcessDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Count())
}

func TestExtraLabelsAppliedToRun(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{}
	p := New(st, fake, testLogger(), Options{ExtraLabels: []string{"import-2025"}})

	dir := t.TempDir()
	path := writeFile(t, dir, "a.eml", sampleEML)

	_, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 1, fake.count())
	assert.Contains(t, fake.delivered[0].Labels, "import-2025")
}

func TestFailedDeliveryMarkedAndNotRetriedOnRerun(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{fail: true}
	p := New(st, fake, testLogger(), Options{})

	dir := t.TempDir()
	path := writeFile(t, dir, "a.eml", sampleEML)

	summary, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, summary)

	entry, err := st.Get(fake.delivered[0].Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.StatusFailed, entry.DeliveryStatus)

	// A failed record is not silently re-queued: the rerun sees a
	// duplicate, not a fresh delivery.
	summary, err = p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Summary{SkippedDuplicate: 1}, summary)
	assert.Equal(t, 1, fake.count())

	failed, err := st.Failed()
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

// slowDeliverer blocks for its configured duration unless the delivery
// context is cancelled first.
type slowDeliverer struct {
	delay time.Duration
}

func (s *slowDeliverer) Deliver(ctx context.Context, rec parser.EmailRecord) ingest.Outcome {
	select {
	case <-time.After(s.delay):
		return ingest.Outcome{Fingerprint: rec.Fingerprint, Success: true, Attempts: 1}
	case <-ctx.Done():
		return ingest.Outcome{Fingerprint: rec.Fingerprint, Attempts: 1, Err: ctx.Err()}
	}
}

func invoiceRecord() parser.EmailRecord {
	rec := parser.EmailRecord{
		SourcePath: "a.eml",
		Format:     parser.FormatEML,
		Subject:    "Invoice #1",
		Sender:     "a@x.com",
		BodyText:   "Please pay invoice 1.",
	}
	rec.Fingerprint = parser.Fingerprint(rec.Subject, rec.Sender, rec.Date, rec.BodyText)
	return rec
}

func TestShutdownLetsInFlightDeliveryFinish(t *testing.T) {
	st := newTestStore(t)
	slow := &slowDeliverer{delay: 300 * time.Millisecond}
	p := New(st, slow, testLogger(), Options{})

	rec := invoiceRecord()

	// Cancel mid-delivery: the delivery must still run to completion
	// instead of being cut off and stranded as failed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	summary, err := p.ProcessRecords(ctx, []parser.EmailRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1}, summary)

	entry, err := st.Get(rec.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.StatusDelivered, entry.DeliveryStatus)
}

func TestShutdownDrainGraceBoundsDelivery(t *testing.T) {
	st := newTestStore(t)
	slow := &slowDeliverer{delay: 10 * time.Second}
	p := New(st, slow, testLogger(), Options{DrainGrace: 100 * time.Millisecond})

	rec := invoiceRecord()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	summary, err := p.ProcessRecords(ctx, []parser.EmailRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, summary)
	assert.Less(t, time.Since(start), 5*time.Second, "drain grace bounds the wait")

	entry, err := st.Get(rec.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.StatusFailed, entry.DeliveryStatus)
}

func TestContinuesPastBadFile(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeDeliverer{}
	p := New(st, fake, testLogger(), Options{})

	dir := t.TempDir()
	writeFile(t, dir, "bad.eml", "not an email in any way")
	writeFile(t, dir, "good.eml", sampleEML)
	writeFile(t, dir, "ignored.txt", "plain text file")

	summary, err := p.ProcessDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, fake.count())
}

func TestMatches(t *testing.T) {
	p := New(newTestStore(t), &fakeDeliverer{}, testLogger(), Options{})
	assert.True(t, p.Matches("/mail/a.eml"))
	assert.True(t, p.Matches("/mail/A.MBOX"))
	assert.True(t, p.Matches("/mail/x.elmx"))
	assert.False(t, p.Matches("/mail/readme.txt"))
}
