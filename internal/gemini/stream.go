package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

const maxStreamLine = 16 << 20

// Stream is an open streamGenerateContent response. Texts must be consumed
// at most once; Close may be called any number of times.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	rec    domain.Recorder

	closeOnce sync.Once
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, rec domain.Recorder) *Stream {
	return &Stream{body: body, cancel: cancel, rec: domain.RecorderOrNop(rec)}
}

// Texts yields the text of each streamed chunk. Chunks that are not valid
// JSON or carry no text are skipped. A read error is yielded once and ends
// the sequence. The stream is closed when iteration stops.
func (s *Stream) Texts() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()

		scanner := bufio.NewScanner(s.body)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

		var (
			chunks int
			total  strings.Builder
		)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk Response
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			text := chunk.Text()
			if text == "" {
				continue
			}
			chunks++
			total.WriteString(text)
			if !yield(text, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("gemini.Stream: read: %w", err))
			return
		}

		full := total.String()
		s.rec.Record(domain.EventGeminiStreamComplete, sessionlog.StreamComplete{
			Chunks:      chunks,
			TotalLength: len(full),
			Preview:     domain.Truncate(full, sessionlog.PreviewLimit),
		})
	}
}

// Close releases the response body.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
}
