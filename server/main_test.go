package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhaobenny/tokentracker/internal/model"
	"github.com/zhaobenny/tokentracker/server/internal/config"
	"github.com/zhaobenny/tokentracker/server/internal/database"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestListenRetriesThenFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	start := time.Now()
	_, err = listen(busy.Addr().String(), 3, 20*time.Millisecond, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBind))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestListenSucceedsOnceReleased(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := busy.Addr().String()
	time.AfterFunc(30*time.Millisecond, func() { busy.Close() })

	ln, err := listen(addr, 5, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	ln.Close()
}

func TestNewProgramFailsWhenPortIsTaken(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.Default()
	cfg.DB = filepath.Join(t.TempDir(), "usage.db")
	cfg.Port = busy.Addr().(*net.TCPAddr).Port
	cfg.BindRetries = 1

	_, err = newProgram(cfg, zap.NewNop())
	assert.ErrorIs(t, err, errBind)
}

func TestNewProgramFailsWhenDatabaseCannotOpen(t *testing.T) {
	cfg := config.Default()
	// A directory cannot be opened as a database file.
	cfg.DB = t.TempDir()
	cfg.Port = freePort(t)

	_, err := newProgram(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestProgramServesAndShutsDown(t *testing.T) {
	upstream := http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","model":"claude-sonnet-4-5","usage":{"input_tokens":4,"output_tokens":2}}`)
	})}
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go upstream.Serve(upstreamLn)
	defer upstream.Close()

	dbPath := filepath.Join(t.TempDir(), "usage.db")
	cfg := config.Default()
	cfg.DB = dbPath
	cfg.Port = freePort(t)
	cfg.Upstream = "http://" + upstreamLn.Addr().String()
	cfg.ShutdownTimeout = 2 * time.Second

	prg, err := newProgram(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, prg.Start(nil))

	base := "http://" + prg.listener.Addr().String()
	resp, err := http.Get(base + "/_health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/v1/messages", "application/json", strings.NewReader(`{"model":"claude-sonnet-4-5"}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, prg.Stop(nil))
	assert.False(t, prg.serveFailed.Load())

	// The record queue was drained before the database closed.
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	records, err := db.Records(context.Background(), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(4), records[0].Usage.InputTokens)
	assert.Equal(t, "msg_1", records[0].RequestID)
}

func TestParseRange(t *testing.T) {
	from, to, err := parseRange("20250101", "20250131")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), to)

	from, to, err = parseRange("", "")
	require.NoError(t, err)
	assert.True(t, from.IsZero())
	assert.True(t, to.IsZero())

	_, _, err = parseRange("2025-01-01", "")
	assert.Error(t, err)
	_, _, err = parseRange("", "yesterday")
	assert.Error(t, err)
}

func TestWriteSummaryEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	rows := []model.AggregatedUsage{
		{Day: "2025-02-02", Model: "claude-sonnet-4-5", Requests: 3, Usage: model.TokenUsage{InputTokens: 10}},
		{Day: "2025-02-01", Model: "unknown", Requests: 1, Errors: 1},
	}
	require.NoError(t, writeSummary(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first model.AggregatedUsage
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, rows[0], first)
}

func TestPruneCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	for _, age := range []time.Duration{100 * 24 * time.Hour, time.Hour} {
		_, err := db.Append(context.Background(), &model.UsageRecord{
			Timestamp: time.Now().Add(-age),
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			Endpoint:  "/v1/messages",
		})
		require.NoError(t, err)
	}
	db.Close()

	assert.Equal(t, 0, run([]string{"prune", "--db", dbPath, "--days", "30", "--vacuum"}))
	assert.Equal(t, 2, run([]string{"prune", "--db", dbPath}))

	db, err = database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	records, err := db.Records(context.Background(), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	assert.Equal(t, 2, run([]string{"frobnicate"}))
	assert.Equal(t, 2, run([]string{"summary", "--since", "bad"}))
}
