package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailingest/internal/parser"
	"github.com/tracyhatemice/mailingest/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPrintStatsListsFailedRecords(t *testing.T) {
	st := newTestStore(t)

	okFP := parser.Fingerprint("monthly report", "a@x.com", time.Time{}, "all good")
	badFP := parser.Fingerprint("broken delivery", "b@y.com", time.Time{}, "never arrived")

	_, err := st.Admit(okFP, "/mail/ok.eml", "monthly report", "a@x.com")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(okFP, store.StatusDelivered))

	_, err = st.Admit(badFP, "/mail/broken.eml", "broken delivery", "b@y.com")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(badFP, store.StatusFailed))

	var buf bytes.Buffer
	require.NoError(t, printStats(&buf, st))

	out := buf.String()
	assert.Contains(t, out, "total: 2")
	assert.Contains(t, out, "delivered: 1")
	assert.Contains(t, out, "failed: 1")
	assert.Contains(t, out, "/mail/broken.eml")
	assert.Contains(t, out, badFP[:12])
	assert.NotContains(t, out, "/mail/ok.eml")
}

func TestPrintStatsOmitsFailedSectionWhenClean(t *testing.T) {
	st := newTestStore(t)

	fp := parser.Fingerprint("monthly report", "a@x.com", time.Time{}, "all good")
	_, err := st.Admit(fp, "/mail/ok.eml", "monthly report", "a@x.com")
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(fp, store.StatusDelivered))

	var buf bytes.Buffer
	require.NoError(t, printStats(&buf, st))
	assert.NotContains(t, buf.String(), "failed records")
}

func TestSplitLabels(t *testing.T) {
	assert.Nil(t, splitLabels(""))
	assert.Equal(t, []string{"a", "b"}, splitLabels("a, b"))
	assert.Equal(t, []string{"x"}, splitLabels(" x ,, "))
}
