package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gosuda/mcproxy/internal/domain"
)

// Sink receives every session log entry after it is written to disk.
type Sink interface {
	Name() string
	Append(ctx context.Context, entry *domain.SessionLogEntry) error
}

// RepositorySink persists entries through a domain.SessionLogRepository.
type RepositorySink struct {
	repo domain.SessionLogRepository
}

// NewRepositorySink wraps repo.
func NewRepositorySink(repo domain.SessionLogRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Name() string { return "repository" }

func (s *RepositorySink) Append(ctx context.Context, entry *domain.SessionLogEntry) error {
	if err := s.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("sessionlog.RepositorySink.Append: %w", err)
	}
	return nil
}

// Publisher broadcasts raw payloads on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PublisherSink broadcasts entries as JSON on a per-session channel.
type PublisherSink struct {
	pub     Publisher
	channel func(sessionID string) string
}

// NewPublisherSink wraps pub; channel maps a session id to a channel name.
func NewPublisherSink(pub Publisher, channel func(sessionID string) string) *PublisherSink {
	return &PublisherSink{pub: pub, channel: channel}
}

func (s *PublisherSink) Name() string { return "publisher" }

func (s *PublisherSink) Append(ctx context.Context, entry *domain.SessionLogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sessionlog.PublisherSink.Append: marshal: %w", err)
	}
	if err := s.pub.Publish(ctx, s.channel(entry.SessionID), raw); err != nil {
		return fmt.Errorf("sessionlog.PublisherSink.Append: %w", err)
	}
	return nil
}
