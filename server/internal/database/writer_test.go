package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhaobenny/tokentracker/internal/model"
	"github.com/zhaobenny/tokentracker/server/internal/metrics"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []*model.UsageRecord
}

func (s *flakyStore) Append(_ context.Context, rec *model.UsageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("database is locked")
	}
	s.written = append(s.written, rec)
	return int64(len(s.written)), nil
}

func (s *flakyStore) snapshot() (calls int, written []*model.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]*model.UsageRecord(nil), s.written...)
}

func TestWriterPersistsInOrder(t *testing.T) {
	db := openTestDB(t)
	m := metrics.New()
	w := NewWriter(db, zap.NewNop(), m)

	for i := 0; i < 20; i++ {
		rec := sampleRecord(time.Now())
		rec.Usage.InputTokens = int64(i)
		assert.True(t, w.Submit(rec))
	}
	require.NoError(t, w.Close(context.Background()))

	records, err := db.Records(context.Background(), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 20)
	for i, rec := range records {
		assert.Equal(t, int64(i), rec.Usage.InputTokens)
	}
	assert.Equal(t, 20.0, testutil.ToFloat64(m.RecordsWritten))
}

func TestWriterRetriesOnce(t *testing.T) {
	store := &flakyStore{failures: 1}
	m := metrics.New()
	w := NewWriter(store, zap.NewNop(), m, WithRetryDelay(time.Millisecond))

	require.True(t, w.Submit(sampleRecord(time.Now())))
	require.NoError(t, w.Close(context.Background()))

	calls, written := store.snapshot()
	assert.Equal(t, 2, calls)
	assert.Len(t, written, 1)
	assert.Zero(t, testutil.ToFloat64(m.RecordsDropped))
}

func TestWriterDropsAfterRetry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := &flakyStore{failures: 2}
	m := metrics.New()
	w := NewWriter(store, zap.New(core), m, WithRetryDelay(time.Millisecond))

	dropped := sampleRecord(time.Now())
	kept := sampleRecord(time.Now())
	kept.RequestID = "req_kept"
	require.True(t, w.Submit(dropped))
	require.True(t, w.Submit(kept))
	require.NoError(t, w.Close(context.Background()))

	calls, written := store.snapshot()
	assert.Equal(t, 3, calls)
	require.Len(t, written, 1)
	assert.Equal(t, "req_kept", written[0].RequestID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDropped))

	entries := logs.FilterMessage("Failed to persist usage record").All()
	require.Len(t, entries, 1)
	err, ok := entries[0].ContextMap()["error"].(string)
	require.True(t, ok)
	assert.Contains(t, err, ErrRecordDropped.Error())
	assert.Contains(t, err, "database is locked")
}

func TestWriterRejectsAfterClose(t *testing.T) {
	store := &flakyStore{}
	w := NewWriter(store, zap.NewNop(), nil)
	require.NoError(t, w.Close(context.Background()))
	assert.False(t, w.Submit(sampleRecord(time.Now())))
	// Close is idempotent.
	require.NoError(t, w.Close(context.Background()))
}

func TestWriterCloseHonorsContext(t *testing.T) {
	store := &flakyStore{failures: 2}
	w := NewWriter(store, zap.NewNop(), nil, WithRetryDelay(time.Second))
	require.True(t, w.Submit(sampleRecord(time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)

	require.NoError(t, w.Close(context.Background()))
}

func TestWriterConcurrentSubmitters(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(context.Background()))

	w := NewWriter(db, zap.NewNop(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Submit(sampleRecord(time.Now()))
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close(context.Background()))

	var count int
	require.NoError(t, db.GetContext(context.Background(), &count, `SELECT COUNT(*) FROM requests`))
	assert.Equal(t, 30, count)
}
