package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type fakeAudit struct {
	entries []domain.AuditEntry
	opts    domain.ListOpts
}

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return f.entries, nil
}

func (f *fakeAudit) ListBySession(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiveSettlement(t *testing.T) {
	w := newMemWriter()
	a := NewArchiver(w, nil, discard())
	closedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	path, err := a.ArchiveSettlement(context.Background(), domain.SettlementReport{
		SessionID: "sess-1",
		Wallet:    "0xabc",
		ChannelID: "0xchan",
		Deposit:   "100",
		Settlement: domain.Settlement{
			TotalWinnings: decimal.RequireFromString("22.22"),
			Net:           decimal.RequireFromString("12.22"),
		},
		ClosedAt: closedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "settlements/2026/03/sess-1.json", path)
	assert.Equal(t, "application/json", w.types[path])

	var got domain.SettlementReport
	require.NoError(t, json.Unmarshal(w.objects[path], &got))
	assert.Equal(t, "0xchan", got.ChannelID)
	assert.True(t, got.Settlement.TotalWinnings.Equal(decimal.RequireFromString("22.22")))
}

func TestArchiveSettlement_UploadError(t *testing.T) {
	w := newMemWriter()
	w.err = errors.New("bucket gone")
	a := NewArchiver(w, nil, discard())

	_, err := a.ArchiveSettlement(context.Background(), domain.SettlementReport{SessionID: "s"})
	assert.ErrorContains(t, err, "bucket gone")
}

func TestExportAudit(t *testing.T) {
	w := newMemWriter()
	audit := &fakeAudit{entries: []domain.AuditEntry{
		{ID: 2, Event: "bet_placed", Detail: map[string]any{"amount": "10"}},
		{ID: 1, Event: "session_opened"},
	}}
	a := NewArchiver(w, audit, discard())
	since := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)

	n, err := a.ExportAudit(context.Background(), since, until)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NotNil(t, audit.opts.Since)
	assert.True(t, audit.opts.Since.Equal(since))
	assert.True(t, audit.opts.Until.Before(until))

	body := w.objects["audit/2026-03-14T010000Z.jsonl"]
	require.NotEmpty(t, body)
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)

	audit.entries = nil
	n, err = a.ExportAudit(context.Background(), until, until.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, w.objects, 1)
}

func TestNormalise(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))

	assert.Equal(t, "", normalisePrefix(""))
	assert.Equal(t, "yellowbet/", normalisePrefix("/yellowbet/"))
	c := &Client{prefix: "yellowbet/"}
	assert.Equal(t, "yellowbet/settlements/x.json", c.key("/settlements/x.json"))
}
