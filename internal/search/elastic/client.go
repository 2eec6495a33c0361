// Package elastic implements domain.SearchIndex with go-elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
)

// Config holds connection settings.
type Config struct {
	Addresses  []string
	Username   string
	Password   string
	APIKey     string
	MaxRetries int
	// Refresh is passed through as the bulk refresh parameter when set.
	Refresh string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client issues bulk upserts.
type Client struct {
	es      *elasticsearch.Client
	refresh string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Client. No request is made until the first bulk call.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
		Transport:  cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: new client: %w", err)
	}
	return &Client{
		es:      es,
		refresh: cfg.Refresh,
		metrics: m,
		logger:  logger.With(slog.String("component", "elastic")),
	}, nil
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elastic: ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elastic: ping: status %s", res.Status())
	}
	return nil
}

type bulkAction struct {
	Update bulkTarget `json:"update"`
}

type bulkTarget struct {
	ID string `json:"_id"`
}

type bulkUpdate struct {
	Doc         any  `json:"doc"`
	DocAsUpsert bool `json:"doc_as_upsert"`
}

// EncodeBulkUpsert renders docs as a bulk NDJSON body of update actions
// with doc_as_upsert.
func EncodeBulkUpsert(docs []domain.UpsertDoc) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(bulkAction{Update: bulkTarget{ID: d.ID}}); err != nil {
			return nil, fmt.Errorf("elastic: encode action %s: %w", d.ID, err)
		}
		if err := enc.Encode(bulkUpdate{Doc: d.Doc, DocAsUpsert: true}); err != nil {
			return nil, fmt.Errorf("elastic: encode doc %s: %w", d.ID, err)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// BulkUpsert sends all docs to index in one bulk request. It fails if the
// request fails or any item is rejected.
func (c *Client) BulkUpsert(ctx context.Context, index string, docs []domain.UpsertDoc) error {
	if len(docs) == 0 {
		return nil
	}

	body, err := EncodeBulkUpsert(docs)
	if err != nil {
		return err
	}

	opts := []func(*esapi.BulkRequest){
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(index),
	}
	if c.refresh != "" {
		opts = append(opts, c.es.Bulk.WithRefresh(c.refresh))
	}

	res, err := c.es.Bulk(bytes.NewReader(body), opts...)
	if err != nil {
		c.metrics.RecordBulkItems(index, "error", len(docs))
		return fmt.Errorf("elastic: bulk %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		c.metrics.RecordBulkItems(index, "error", len(docs))
		return fmt.Errorf("elastic: bulk %s: status %d: %s", index, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		c.metrics.RecordBulkItems(index, "error", len(docs))
		return fmt.Errorf("elastic: bulk %s: decode response: %w", index, err)
	}

	var failed []string
	for _, item := range parsed.Items {
		for _, outcome := range item {
			if outcome.Error != nil {
				failed = append(failed, fmt.Sprintf("%s: %s: %s", outcome.ID, outcome.Error.Type, outcome.Error.Reason))
			}
		}
	}

	if parsed.Errors && len(failed) == 0 {
		c.metrics.RecordBulkItems(index, "error", len(docs))
		return fmt.Errorf("elastic: bulk %s: response reports errors without item detail", index)
	}

	c.metrics.RecordBulkItems(index, "ok", len(docs)-len(failed))
	if len(failed) > 0 {
		c.metrics.RecordBulkItems(index, "error", len(failed))
		return fmt.Errorf("elastic: bulk %s: %d of %d items failed: %s", index, len(failed), len(docs), strings.Join(failed, "; "))
	}

	c.logger.DebugContext(ctx, "bulk upsert applied",
		slog.String("index", index),
		slog.Int("docs", len(docs)),
	)
	return nil
}

var _ domain.SearchIndex = (*Client)(nil)
