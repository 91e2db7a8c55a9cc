package sessionlog_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2026, 1, 28, 14, 30, 52, 0, time.Local)

func newManager(t *testing.T, opts ...sessionlog.ManagerOption) (*sessionlog.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]sessionlog.ManagerOption{sessionlog.WithClock(clockwork.NewFakeClockAt(fixedNow))}, opts...)
	m, err := sessionlog.NewManager(dir, opts...)
	require.NoError(t, err)
	return m, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

type captureSink struct {
	mu      sync.Mutex
	entries []*domain.SessionLogEntry
	err     error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Append(_ context.Context, e *domain.SessionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *captureSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.EventType)
	}
	return out
}

// ---------------------------------------------------------------------------
// ids
// ---------------------------------------------------------------------------

func TestNewID(t *testing.T) {
	t.Parallel()

	id := sessionlog.NewID(clockwork.NewFakeClockAt(fixedNow))
	assert.Regexp(t, regexp.MustCompile(`^260128-143052-[0-9a-f]{4}$`), id)
	assert.True(t, sessionlog.ValidID(id))
}

func TestValidID(t *testing.T) {
	t.Parallel()

	assert.True(t, sessionlog.ValidID("260128-143052-a7f3"))
	assert.True(t, sessionlog.ValidID("custom_id"))
	assert.False(t, sessionlog.ValidID(""))
	assert.False(t, sessionlog.ValidID("../etc/passwd"))
	assert.False(t, sessionlog.ValidID("a/b"))
	assert.False(t, sessionlog.ValidID(strings.Repeat("x", 65)))
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

func TestOpen_NewSessionWritesHeader(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	l, err := m.Open("")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.False(t, l.Resumed())
	body := readFile(t, l.Path())
	assert.True(t, strings.HasPrefix(body, strings.Repeat("=", 80)+"\nSESSION LOG: "+l.ID()+"\n"))
	assert.Contains(t, body, "Started: 2026-01-28T14:30:52.000000")
	assert.NotContains(t, body, "CONTINUATION")
}

func TestOpen_ResumeAppendsContinuation(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)

	first, err := m.Open("260128-143052-a7f3")
	require.NoError(t, err)
	first.Record(domain.EventUserMessage, sessionlog.UserMessage{Message: "first"})
	require.NoError(t, first.Close())

	second, err := m.Open("260128-143052-a7f3")
	require.NoError(t, err)
	second.Record(domain.EventUserMessage, sessionlog.UserMessage{Message: "second", HistoryMessages: 2})
	require.NoError(t, second.Close())

	assert.True(t, second.Resumed())
	assert.Equal(t, first.Path(), second.Path())

	body := readFile(t, second.Path())
	assert.Equal(t, 1, strings.Count(body, "SESSION LOG:"))
	assert.Equal(t, 1, strings.Count(body, "CONTINUATION @"))
	assert.Less(t, strings.Index(body, `"first"`), strings.Index(body, "CONTINUATION"))
	assert.Less(t, strings.Index(body, "CONTINUATION"), strings.Index(body, `"second"`))
}

func TestOpen_UnsafeIDReplaced(t *testing.T) {
	t.Parallel()

	m, dir := newManager(t)
	l, err := m.Open("../../escape")
	require.NoError(t, err)
	defer l.Close()

	assert.NotEqual(t, "../../escape", l.ID())
	assert.True(t, strings.HasPrefix(l.Path(), dir))
}

func TestRecord_WritesEntries(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	l, err := m.Open("s1")
	require.NoError(t, err)

	l.Record(domain.EventUserMessage, sessionlog.UserMessage{Message: "population of India", HistoryMessages: 0})
	l.Record(domain.EventError, sessionlog.NewError("MCP_LOOP_ERROR", errors.New("boom"), nil))
	require.NoError(t, l.Close())

	body := readFile(t, l.Path())
	assert.Contains(t, body, "\n--- USER_MESSAGE @ 2026-01-28T14:30:52.000000 ---\n{\n  \"message\": \"population of India\",")
	assert.Contains(t, body, "--- ERROR @")
	assert.Contains(t, body, `"error_type": "MCP_LOOP_ERROR"`)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EventUserMessage, entries[0].EventType)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.JSONEq(t, `{"message":"population of India","history_messages":0}`, string(entries[0].Payload))

	// Entries returns a copy.
	entries[0].EventType = "MUTATED"
	assert.Equal(t, domain.EventUserMessage, l.Entries()[0].EventType)
}

func TestRecord_AfterCloseIgnored(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	l, err := m.Open("closed")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.NotPanics(t, func() { l.Record(domain.EventKBQuery, nil) })
	assert.Empty(t, l.Entries())
	assert.NoError(t, l.Close())
}

func TestSinks_ReceiveEntriesInOrder(t *testing.T) {
	t.Parallel()

	ok := &captureSink{}
	failing := &captureSink{err: errors.New("down")}
	m, _ := newManager(t, sessionlog.WithSinks(ok, failing))

	l, err := m.Open("fanout")
	require.NoError(t, err)
	l.Record(domain.EventUserMessage, sessionlog.UserMessage{Message: "hi"})
	l.Record(domain.EventMCPLoopIteration, map[string]int{"iteration": 1, "max": 5})
	l.Record(domain.EventFinalResponse, sessionlog.NewFinalResponse("done", nil, time.Second))
	require.NoError(t, l.Close())

	want := []domain.EventType{domain.EventUserMessage, domain.EventMCPLoopIteration, domain.EventFinalResponse}
	assert.Equal(t, want, ok.types())
	assert.Equal(t, want, failing.types(), "a failing sink still sees every entry")
}

// ---------------------------------------------------------------------------
// payloads
// ---------------------------------------------------------------------------

func TestNewToolResponse_Truncates(t *testing.T) {
	t.Parallel()

	p := sessionlog.NewToolResponse("get_observations", strings.Repeat("a", 2500), domain.ToolStatusSuccess, 1500*time.Microsecond)
	assert.Len(t, p.Result, sessionlog.ToolResultLimit+3)
	assert.True(t, strings.HasSuffix(p.Result, "..."))
	assert.InDelta(t, 1.5, p.DurationMS, 1e-9)

	short := sessionlog.NewToolResponse("x", "ok", domain.ToolStatusSuccess, 0)
	assert.Equal(t, "ok", short.Result)
}

func TestNewLLMResponse_Truncates(t *testing.T) {
	t.Parallel()

	small := sessionlog.NewLLMResponse("m", map[string]string{"a": "b"}, time.Millisecond)
	raw, err := json.Marshal(small)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","duration_ms":1,"response":{"a":"b"}}`, string(raw))

	big := sessionlog.NewLLMResponse("m", map[string]string{"text": strings.Repeat("z", 6000)}, 0)
	tr, ok := big.Response.(sessionlog.Truncated)
	require.True(t, ok)
	assert.True(t, tr.Truncated)
	assert.Greater(t, tr.Length, sessionlog.LLMResponseLimit)
	assert.Len(t, tr.Preview, sessionlog.LLMResponseLimit)
}

func TestNewKBQueryAndFinal_Previews(t *testing.T) {
	t.Parallel()

	kb := sessionlog.NewKBQuery("q", strings.Repeat("r", 900), 0)
	assert.Equal(t, 900, kb.ResultLength)
	assert.Len(t, kb.ResultPreview, sessionlog.PreviewLimit+3)

	final := sessionlog.NewFinalResponse(strings.Repeat("t", 10), &domain.ChartConfig{ShouldRender: false}, 2*time.Second)
	assert.Equal(t, 10, final.TextLength)
	assert.InDelta(t, 2000, final.TotalDurationMS, 1e-9)
}
