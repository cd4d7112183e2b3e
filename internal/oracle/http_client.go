package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"go.uber.org/zap"
)

// cachedVerdict wraps a ModerationVerdict with caching metadata.
type cachedVerdict struct {
	verdict   ModerationVerdict
	timestamp time.Time
	ttl       time.Duration
}

func (c *cachedVerdict) expired() bool {
	return time.Since(c.timestamp) > c.ttl
}

// HTTPModerator calls an external content-moderation service over HTTP,
// caching verdicts by creative ID. When the service is unreachable, slow or
// returns an error, Moderate returns that error and the caller falls back to
// its deterministic checks (recorded as the BASIC method).
type HTTPModerator struct {
	baseURL    string
	httpClient *http.Client
	cache      map[int]*cachedVerdict
	cacheMu    sync.RWMutex
	cacheTTL   time.Duration
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// NewHTTPModerator builds an HTTPModerator and starts its cache-cleanup
// goroutine, which evicts expired verdicts every cacheTTL.
func NewHTTPModerator(baseURL string, timeout, cacheTTL time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPModerator {
	m := &HTTPModerator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[int]*cachedVerdict),
		cacheTTL:   cacheTTL,
		logger:     logger,
		metrics:    metrics,
	}
	go m.cleanupLoop(cacheTTL)
	return m
}

type moderationRequest struct {
	CreativeID int    `json:"creative_id"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type moderationResponse struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Moderate asks the external service for a verdict on creative. A cached
// verdict within TTL is reused; a request error bubbles up so the Catalog
// can fall back to its deterministic checks.
func (m *HTTPModerator) Moderate(ctx context.Context, creative models.Creative) (ModerationVerdict, error) {
	m.cacheMu.RLock()
	cached, ok := m.cache[creative.ID]
	m.cacheMu.RUnlock()
	if ok && !cached.expired() {
		return cached.verdict, nil
	}

	start := time.Now()
	outcome := "success"
	defer func() {
		m.metrics.RecordOracleLatency("content_moderator", time.Since(start))
		m.metrics.IncrementOracleRequests("content_moderator", outcome)
	}()

	reqBody, err := json.Marshal(moderationRequest{
		CreativeID: creative.ID,
		Type:       string(creative.Type),
		URL:        creative.URL,
		Format:     creative.Format,
		Width:      creative.Width,
		Height:     creative.Height,
	})
	if err != nil {
		outcome = "failure"
		return ModerationVerdict{}, fmt.Errorf("marshal moderation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/moderate", bytes.NewReader(reqBody))
	if err != nil {
		outcome = "failure"
		return ModerationVerdict{}, fmt.Errorf("build moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		outcome = "failure"
		m.logger.Warn("content moderator unavailable, falling back to deterministic checks",
			zap.Error(err), zap.Int("creative_id", creative.ID))
		return ModerationVerdict{}, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Warn("close moderation response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		outcome = "failure"
		body, _ := io.ReadAll(resp.Body)
		return ModerationVerdict{}, fmt.Errorf("moderation http %d: %s", resp.StatusCode, string(body))
	}

	var mr moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		outcome = "failure"
		return ModerationVerdict{}, fmt.Errorf("decode moderation response: %w", err)
	}

	verdict := ModerationVerdict{Approved: mr.Approved, Reasons: mr.Reasons}
	m.cacheMu.Lock()
	m.cache[creative.ID] = &cachedVerdict{verdict: verdict, timestamp: time.Now(), ttl: m.cacheTTL}
	m.cacheMu.Unlock()

	return verdict, nil
}

func (m *HTTPModerator) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m.cacheMu.Lock()
		for id, cached := range m.cache {
			if cached.expired() {
				delete(m.cache, id)
			}
		}
		m.cacheMu.Unlock()
	}
}
