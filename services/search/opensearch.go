package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/upb/audit-pipeline/services"
	"go.uber.org/zap"
)

// indexMapping keeps filterable fields as keywords so term queries match exactly
const indexMapping = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 1},
  "mappings": {
    "properties": {
      "id":            {"type": "keyword"},
      "tenant_id":     {"type": "keyword"},
      "occurred_at":   {"type": "date"},
      "ingested_at":   {"type": "date"},
      "action":        {"type": "keyword"},
      "resource_type": {"type": "keyword"},
      "resource_id":   {"type": "keyword"},
      "user_id":       {"type": "keyword"},
      "user_name":     {"type": "keyword"},
      "user_role":     {"type": "keyword"},
      "severity":      {"type": "keyword"},
      "message":       {"type": "text"},
      "ip_address":    {"type": "keyword"},
      "user_agent":    {"type": "text"},
      "payload":       {"type": "object", "enabled": false},
      "payload_text":  {"type": "text"}
    }
  }
}`

// OpenSearchConfig configures the OpenSearch backend
type OpenSearchConfig struct {
	URL            string
	Username       string
	Password       string
	Index          string
	RequestTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// ResponseError is a non-2xx answer from the cluster
type ResponseError struct {
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("opensearch returned status %d: %s", e.Status, e.Body)
}

// retryable reports whether a failed call is worth repeating
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.Status >= http.StatusInternalServerError || respErr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// OpenSearchBackend indexes documents into an OpenSearch cluster
type OpenSearchBackend struct {
	client   *opensearch.Client
	index    string
	timeout  time.Duration
	executor failsafe.Executor[[]byte]
	breaker  circuitbreaker.CircuitBreaker[[]byte]
	logger   *zap.Logger
}

// NewOpenSearchBackend creates a client for cfg.URL. No request is sent until the first call.
func NewOpenSearchBackend(cfg OpenSearchConfig, logger *zap.Logger) (*OpenSearchBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("opensearch url is required")
	}
	if cfg.Index == "" {
		cfg.Index = "audit_events"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:    []string{cfg.URL},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	logger = logger.Named("search")

	retry := retrypolicy.NewBuilder[[]byte]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool {
			return retryable(err)
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[[]byte]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(_ []byte, err error) bool {
			return retryable(err)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("opensearch circuit breaker state change",
				zap.String("from_state", stateName(event.OldState)),
				zap.String("to_state", stateName(event.NewState)),
			)
		}).
		Build()

	return &OpenSearchBackend{
		client:   client,
		index:    cfg.Index,
		timeout:  cfg.RequestTimeout,
		executor: failsafe.With[[]byte](retry, breaker),
		breaker:  breaker,
		logger:   logger,
	}, nil
}

// do runs one request through the retry policy and the breaker.
// Each attempt reads and closes the body so no response leaks across retries.
func (b *OpenSearchBackend) do(ctx context.Context, op string, req func(ctx context.Context) (*opensearchapi.Response, error)) ([]byte, error) {
	body, err := b.executor.WithContext(ctx).Get(func() ([]byte, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		res, err := req(attemptCtx)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		if res.IsError() {
			return nil, &ResponseError{Status: res.StatusCode, Body: truncate(string(data), 512)}
		}
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch %s failed: %w", op, err)
	}
	return body, nil
}

// Breaker exposes the circuit breaker state for status reporting
func (b *OpenSearchBackend) Breaker() circuitbreaker.CircuitBreaker[[]byte] {
	return b.breaker
}

// HealthCheck pings the cluster through the breaker
func (b *OpenSearchBackend) HealthCheck(ctx context.Context) error {
	_, err := b.do(ctx, "ping", func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.PingRequest{}.Do(ctx, b.client)
	})
	return err
}

func (b *OpenSearchBackend) EnsureIndex(ctx context.Context) error {
	_, err := b.do(ctx, "index exists", func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesExistsRequest{Index: []string{b.index}}.Do(ctx, b.client)
	})
	if err == nil {
		return nil
	}

	var respErr *ResponseError
	if !errors.As(err, &respErr) || respErr.Status != http.StatusNotFound {
		return err
	}

	_, err = b.do(ctx, "create index", func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesCreateRequest{
			Index: b.index,
			Body:  strings.NewReader(indexMapping),
		}.Do(ctx, b.client)
	})
	if err != nil {
		// another replica may have created it first
		if errors.As(err, &respErr) && respErr.Status == http.StatusBadRequest &&
			strings.Contains(respErr.Body, "resource_already_exists_exception") {
			return nil
		}
		return err
	}

	b.logger.Info("created search index", zap.String("index", b.index))
	return nil
}

func (b *OpenSearchBackend) Upsert(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode search document: %w", err)
	}

	_, err = b.do(ctx, "index document", func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndexRequest{
			Index:      b.index,
			DocumentID: doc.ID,
			Body:       bytes.NewReader(data),
		}.Do(ctx, b.client)
	})
	return err
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (b *OpenSearchBackend) Search(ctx context.Context, tenantID string, q Query) (*Result, error) {
	q = q.normalized()

	body, err := json.Marshal(buildSearchBody(tenantID, q))
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	data, err := b.do(ctx, "search", func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.SearchRequest{
			Index: []string{b.index},
			Body:  bytes.NewReader(body),
		}.Do(ctx, b.client)
	})
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeStoreUnavailable, "search backend unavailable", err)
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	result := &Result{
		Total: resp.Hits.Total.Value,
		Page:  q.Page,
		Limit: q.Limit,
		Hits:  make([]Document, 0, len(resp.Hits.Hits)),
	}
	for _, hit := range resp.Hits.Hits {
		result.Hits = append(result.Hits, hit.Source)
	}
	return result, nil
}

type deleteByQueryResponse struct {
	Deleted int64 `json:"deleted"`
}

func (b *OpenSearchBackend) Delete(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					term("tenant_id", tenantID),
					map[string]any{"range": map[string]any{
						"occurred_at": map[string]any{"lt": before.UTC().Format(time.RFC3339Nano)},
					}},
				},
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode delete query: %w", err)
	}

	data, err := b.do(ctx, "delete by query", func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.DeleteByQueryRequest{
			Index: []string{b.index},
			Body:  bytes.NewReader(body),
		}.Do(ctx, b.client)
	})
	if err != nil {
		return 0, err
	}

	var resp deleteByQueryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode delete response: %w", err)
	}
	return resp.Deleted, nil
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

func term(field, value string) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

// buildSearchBody renders q as a bool query. The tenant filter is always present.
func buildSearchBody(tenantID string, q Query) map[string]any {
	filters := []any{term("tenant_id", tenantID)}

	for field, value := range map[string]string{
		"action":        q.Action,
		"resource_type": q.ResourceType,
		"resource_id":   q.ResourceID,
		"user_id":       q.UserID,
		"severity":      q.Severity,
	} {
		if value != "" {
			filters = append(filters, term(field, value))
		}
	}

	if q.Start != nil || q.End != nil {
		bounds := map[string]any{}
		if q.Start != nil {
			bounds["gte"] = q.Start.UTC().Format(time.RFC3339Nano)
		}
		if q.End != nil {
			bounds["lt"] = q.End.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]any{"range": map[string]any{"occurred_at": bounds}})
	}

	boolQuery := map[string]any{"filter": filters}
	if q.Text != "" {
		boolQuery["must"] = []any{map[string]any{
			"multi_match": map[string]any{
				"query":    q.Text,
				"fields":   []string{"message", "payload_text"},
				"type":     "best_fields",
				"operator": "and",
			},
		}}
	}

	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort": []any{
			map[string]any{"occurred_at": map[string]any{"order": "desc"}},
			map[string]any{"id": map[string]any{"order": "desc"}},
		},
		"from":             (q.Page - 1) * q.Limit,
		"size":             q.Limit,
		"track_total_hits": true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
