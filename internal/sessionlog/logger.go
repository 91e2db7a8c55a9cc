// Package sessionlog keeps an append-only audit trail per chat session.
//
// Every session writes a human-readable log file under the configured
// directory. Entries are also fanned out, in order, to optional sinks such as
// a Redis channel for live tailing or a Postgres table for later queries.
package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/metrics"
)

const (
	rule          = "================================================================================"
	timeLayout    = "2006-01-02T15:04:05.000000"
	sinkQueueSize = 256
	sinkTimeout   = 5 * time.Second
)

// Manager opens session loggers that share a directory, clock and sinks.
type Manager struct {
	dir     string
	clock   clockwork.Clock
	sinks   []Sink
	metrics *metrics.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithSinks adds sinks that receive every entry.
func WithSinks(sinks ...Sink) ManagerOption {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

// WithMetrics records sink failures.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates dir if needed.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{dir: dir, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sessionlog.NewManager: %w", err)
	}
	return m, nil
}

// Open starts or resumes the session named id. An empty or unsafe id gets a
// fresh generated one. Resuming appends a continuation marker instead of a
// new header.
func (m *Manager) Open(id string) (*Logger, error) {
	if id != "" && !ValidID(id) {
		log.Warn().Str("session_id", id).Msg("sessionlog: rejecting unsafe session id")
		id = ""
	}
	if id == "" {
		id = NewID(m.clock)
	}

	path := filepath.Join(m.dir, id+".log")
	_, statErr := os.Stat(path)
	resumed := statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // id validated above
	if err != nil {
		return nil, fmt.Errorf("sessionlog.Manager.Open: %w", err)
	}

	l := &Logger{
		id:      id,
		path:    path,
		file:    f,
		clock:   m.clock,
		resumed: resumed,
		sinks:   m.sinks,
		metrics: m.metrics,
	}

	now := m.clock.Now().Format(timeLayout)
	var header string
	if resumed {
		header = fmt.Sprintf("\n%s\nCONTINUATION @ %s\n%s\n", rule, now, rule)
	} else {
		header = fmt.Sprintf("%s\nSESSION LOG: %s\nStarted: %s\n%s\n\n", rule, id, now, rule)
	}
	if _, err := f.WriteString(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sessionlog.Manager.Open: write header: %w", err)
	}

	if len(l.sinks) > 0 {
		l.queue = make(chan *domain.SessionLogEntry, sinkQueueSize)
		l.done = make(chan struct{})
		go l.drain()
	}

	return l, nil
}

// Logger writes one session's entries. It implements domain.Recorder and is
// safe for concurrent use.
type Logger struct {
	id      string
	path    string
	clock   clockwork.Clock
	resumed bool
	sinks   []Sink
	metrics *metrics.Metrics

	mu      sync.Mutex
	file    *os.File
	entries []domain.SessionLogEntry
	closed  bool

	queue chan *domain.SessionLogEntry
	done  chan struct{}
}

// ID returns the session id.
func (l *Logger) ID() string { return l.id }

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// Resumed reports whether the session existed before Open.
func (l *Logger) Resumed() bool { return l.resumed }

// Record appends an entry. Write failures are logged, never returned, so a
// broken audit trail cannot fail a chat turn.
func (l *Logger) Record(eventType domain.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"_unencodable": fmt.Sprint(payload)})
	}

	now := l.clock.Now()
	entry := domain.SessionLogEntry{
		ID:        uuid.New(),
		SessionID: l.id,
		EventType: eventType,
		Payload:   raw,
		CreatedAt: now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		log.Warn().Str("session_id", l.id).Str("event", string(eventType)).Msg("sessionlog: record after close")
		return
	}

	l.entries = append(l.entries, entry)

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n--- %s @ %s ---\n", eventType, now.Format(timeLayout))
	if pretty, err := json.MarshalIndent(json.RawMessage(raw), "", "  "); err == nil {
		sb.Write(pretty)
	} else {
		sb.Write(raw)
	}
	sb.WriteByte('\n')
	if _, err := l.file.WriteString(sb.String()); err != nil {
		log.Error().Err(err).Str("session_id", l.id).Msg("sessionlog: write entry")
	}

	if l.queue != nil {
		e := entry
		select {
		case l.queue <- &e:
		default:
			l.metrics.SinkError("queue")
			log.Warn().Str("session_id", l.id).Msg("sessionlog: sink queue full, dropping entry")
		}
	}
}

// Entries returns a copy of the entries recorded by this logger, in order.
func (l *Logger) Entries() []domain.SessionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.SessionLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Close flushes pending sink deliveries and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	if l.done != nil {
		<-l.done
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("sessionlog.Logger.Close: %w", err)
	}
	return nil
}

func (l *Logger) drain() {
	defer close(l.done)
	for entry := range l.queue {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			err := s.Append(ctx, entry)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				l.metrics.SinkError(s.Name())
				log.Warn().Err(err).Str("sink", s.Name()).Str("session_id", l.id).Msg("sessionlog: sink append")
			}
		}
	}
}
