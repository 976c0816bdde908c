package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSinkWritesPerKind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), Event{"kind": KindPaymentConsumed, "nonce": "0x01", "payer": "0xa"}))
	require.NoError(t, s.Write(context.Background(), Event{"kind": KindPaymentConsumed, "nonce": "0x02", "payer": "0xb", "extra": "dropped"}))
	require.NoError(t, s.Write(context.Background(), Event{"kind": KindJobRequeued, "job_id": "j1"}))
	require.NoError(t, s.Close())

	rows := readCSV(t, filepath.Join(dir, "payment_consumed.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"kind", "nonce", "payer"}, rows[0])
	assert.Equal(t, []string{"payment_consumed", "0x02", "0xb"}, rows[2])

	rows = readCSV(t, filepath.Join(dir, "job_requeued.csv"))
	assert.Len(t, rows, 2)
}

func TestCSVSinkReusesExistingHeader(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCSVSink(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), Event{"kind": KindPaymentConsumed, "nonce": "0x01", "payer": "0xa"}))
	require.NoError(t, s.Close())

	s, err = NewCSVSink(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), Event{"kind": KindPaymentConsumed, "payer": "0xb", "nonce": "0x02", "amount": "1000"}))
	require.NoError(t, s.Close())

	rows := readCSV(t, filepath.Join(dir, "payment_consumed.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"kind", "nonce", "payer"}, rows[0])
	assert.Equal(t, []string{"payment_consumed", "0x02", "0xb"}, rows[2])
}

func TestCSVSinkConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Write(context.Background(), NewEvent(KindPaymentConsumed, map[string]interface{}{"n": i})))
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	assert.Len(t, readCSV(t, filepath.Join(dir, "payment_consumed.csv")), 51)
}

type failingSink struct {
	failures int
	calls    int
}

func (f *failingSink) Write(context.Context, Event) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("disk full")
	}
	return nil
}

func (f *failingSink) Close() error { return nil }

func TestRetrySink(t *testing.T) {
	inner := &failingSink{failures: 2}
	require.NoError(t, NewRetrySink(inner, 3, 1).Write(context.Background(), Event{}))
	assert.Equal(t, 3, inner.calls)

	inner = &failingSink{failures: 5}
	require.Error(t, NewRetrySink(inner, 2, 1).Write(context.Background(), Event{}))
	assert.Equal(t, 2, inner.calls)
}

func TestRetrySinkStopsWithContext(t *testing.T) {
	inner := &failingSink{failures: 5}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewRetrySink(inner, 5, 10_000).Write(ctx, Event{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, inner.calls)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.AuditConfig{Type: "none"}, config.RetryConfig{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)

	var cfg config.AuditConfig
	cfg.Type = "csv"
	cfg.CSV.OutputDir = t.TempDir()
	s, err = Open(cfg, config.RetryConfig{Attempts: 2, DelayMS: 1})
	require.NoError(t, err)
	assert.IsType(t, &RetrySink{}, s)
	require.NoError(t, s.Close())
}
