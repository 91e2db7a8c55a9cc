package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

const (
	groundTemperature = 0.3
	groundThreshold   = 0.3
	unknownTitle      = "Unknown"
)

// GroundOptions configures a knowledge base query.
type GroundOptions struct {
	Model             string
	SystemInstruction string
	StoreID           string
	Recorder          domain.Recorder
}

// Grounded is the answer of a knowledge base query and the documents it
// cites.
type Grounded struct {
	Text    string
	Sources []domain.Source
}

// Ground answers query from the file search store. It never fails: an
// empty store id, an empty pool and every error yield an empty result.
func (g *Gateway) Ground(ctx context.Context, query string, opts GroundOptions) Grounded {
	if opts.StoreID == "" || len(g.keys) == 0 {
		return Grounded{}
	}
	rec := domain.RecorderOrNop(opts.Recorder)

	req := Request{
		Contents:          []Content{UserText(query)},
		SystemInstruction: &Content{Parts: []Part{{Text: g.InjectDatetime(opts.SystemInstruction)}}},
		GenerationConfig:  GenerationConfig{Temperature: groundTemperature},
		Tools: []Tool{{FileSearch: &FileSearch{
			FileSearchStoreNames: []string{opts.StoreID},
			DynamicFileSearchConfig: &DynamicFileSearchConfig{
				Mode:             "MODE_DYNAMIC",
				DynamicThreshold: groundThreshold,
			},
		}}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Msg("gemini: marshal knowledge base request")
		return Grounded{}
	}

	url := g.modelURL(opts.Model, "generateContent")
	start := g.clock.Now()

	resp, err := rotate(ctx, g, rotation{
		purpose:       PurposeGround,
		rotationEvent: domain.EventKBKeyRotation,
		errorType:     "KB_QUERY_ERROR",
		exhaustedType: "KB_ALL_KEYS_EXHAUSTED",
		context:       map[string]any{"query": query},
		rec:           rec,
	}, func(ctx context.Context, key string) (*Response, attemptKind, error) {
		actx, cancel := context.WithTimeout(ctx, g.groundTimeout)
		defer cancel()

		httpResp, kind, err := g.send(actx, ctx, http.MethodPost, url, key, body)
		if kind != attemptOK {
			return nil, kind, err
		}
		defer func() {
			_ = httpResp.Body.Close()
		}()

		var out Response
		if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
			if ctx.Err() != nil {
				return nil, attemptFatal, ctx.Err()
			}
			return nil, attemptRetryable, fmt.Errorf("decode response: %w", err)
		}
		return &out, attemptOK, nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("gemini: knowledge base query failed")
		return Grounded{}
	}

	result := Grounded{Text: resp.Text(), Sources: Sources(resp)}
	rec.Record(domain.EventKBQuery, sessionlog.NewKBQuery(query, result.Text, g.clock.Since(start)))
	if len(result.Sources) > 0 {
		rec.Record(domain.EventKBSources, map[string]any{"sources": result.Sources})
	}
	return result
}

// Sources lists the documents cited by the first candidate, deduplicated by
// title with the first occurrence kept.
func Sources(resp *Response) []domain.Source {
	c := resp.First()
	if c == nil || c.GroundingMetadata == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []domain.Source
	for _, chunk := range c.GroundingMetadata.GroundingChunks {
		rc := chunk.RetrievedContext
		if rc == nil {
			continue
		}
		title := rc.Title
		if title == "" {
			title = unknownTitle
		}
		if _, dup := seen[title]; dup {
			continue
		}
		seen[title] = struct{}{}
		out = append(out, domain.Source{Title: title, URI: rc.URI})
	}
	return out
}

// FileSearchStore is a knowledge base document store.
type FileSearchStore struct {
	Name                  string `json:"name"`
	DisplayName           string `json:"displayName,omitempty"`
	CreateTime            string `json:"createTime,omitempty"`
	UpdateTime            string `json:"updateTime,omitempty"`
	ActiveDocumentsCount  string `json:"activeDocumentsCount,omitempty"`
	PendingDocumentsCount string `json:"pendingDocumentsCount,omitempty"`
	SizeBytes             string `json:"sizeBytes,omitempty"`
}

// ListStores lists the file search stores visible to the key pool.
func (g *Gateway) ListStores(ctx context.Context) ([]FileSearchStore, error) {
	url := strings.TrimSuffix(g.apiBase, "/models") + "/fileSearchStores"

	stores, err := rotate(ctx, g, rotation{
		purpose:       PurposeStores,
		rotationEvent: domain.EventGeminiKeyRotation,
		errorType:     "GEMINI_API_ERROR",
		exhaustedType: "GEMINI_ALL_KEYS_EXHAUSTED",
	}, func(ctx context.Context, key string) ([]FileSearchStore, attemptKind, error) {
		actx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		httpResp, kind, err := g.send(actx, ctx, http.MethodGet, url, key, nil)
		if kind != attemptOK {
			return nil, kind, err
		}
		defer func() {
			_ = httpResp.Body.Close()
		}()

		var listing struct {
			FileSearchStores []FileSearchStore `json:"fileSearchStores"`
		}
		if err := json.NewDecoder(httpResp.Body).Decode(&listing); err != nil {
			return nil, attemptRetryable, fmt.Errorf("decode response: %w", err)
		}
		return listing.FileSearchStores, attemptOK, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini.Gateway.ListStores: %w", err)
	}
	return stores, nil
}
