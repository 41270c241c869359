package shipper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oicur0t/logship/pkg/levels"
)

const (
	rawIngestionPath = "api/events/raw"
	apiKeyHeader     = "X-Seq-ApiKey"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// OutcomeAccepted means the server took the batch; the bookmark can
	// advance past it.
	OutcomeAccepted Outcome = iota

	// OutcomeRejected means the batch is permanently undeliverable as
	// constructed (bad request or payload too large). Retrying cannot
	// help; the batch must be quarantined and skipped.
	OutcomeRejected

	// OutcomeTransientFailure means the server may accept the batch
	// later; the bookmark stays put and the batch is retried next tick.
	OutcomeTransientFailure
)

// DeliveryResult carries the classified response for one shipped batch.
type DeliveryResult struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte

	// Payload is the uncompressed request envelope, kept so rejected
	// batches can be quarantined verbatim.
	Payload []byte

	// MinimumLevel is the server-advertised minimum accepted level, when
	// the response carried one.
	MinimumLevel    zapcore.Level
	HasMinimumLevel bool
}

// Client delivers batches of raw events to the ingestion endpoint in a
// single bulk POST per batch.
type Client struct {
	endpoint   string
	apiKey     string
	compress   bool
	httpClient *http.Client
	logger     *zap.Logger
	parser     fastjson.ParserPool
}

// NewClient creates a delivery client for the given server URL. The URL
// gets a trailing slash appended if absent before the ingestion path is
// resolved against it, so sub-path components of the configured address
// are preserved. A nil httpClient falls back to a default with a 30s
// timeout; transport concerns (TLS, proxies) belong to the caller.
func NewClient(serverURL, apiKey string, compress bool, httpClient *http.Client, logger *zap.Logger) *Client {
	base := strings.TrimSpace(serverURL)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:   base + rawIngestionPath,
		apiKey:     apiKey,
		compress:   compress,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Endpoint returns the resolved ingestion URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// encodeEnvelope builds the bulk payload. The lines are embedded
// verbatim: they are already self-contained JSON documents, so there is
// nothing to re-parse or re-encode.
func encodeEnvelope(lines []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"Events":[`)
	for i, line := range lines {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(line)
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}

// Deliver ships a batch and classifies the response. A returned error
// means the request never yielded a reply (transport failure) and is
// always a transient condition; HTTP-level classification is carried in
// the result.
func (c *Client) Deliver(ctx context.Context, lines []string) (*DeliveryResult, error) {
	payload := encodeEnvelope(lines)

	body := payload
	if c.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Warn("Failed to read response body",
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err))
	}

	result := &DeliveryResult{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Payload:    payload,
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Outcome = OutcomeAccepted
		c.readMinimumLevel(result)

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge:
		result.Outcome = OutcomeRejected
		c.logger.Error("Batch rejected by server",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("batch_size", len(lines)),
			zap.ByteString("response", respBody))

	default:
		result.Outcome = OutcomeTransientFailure
		c.logger.Warn("Delivery failed, will retry",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("batch_size", len(lines)))
	}

	return result, nil
}

// readMinimumLevel extracts the optional MinimumLevelAccepted field from
// an accepted response. Absent, empty, or unparseable responses simply
// mean the server imposes no constraint.
func (c *Client) readMinimumLevel(result *DeliveryResult) {
	if len(result.Body) == 0 {
		return
	}

	p := c.parser.Get()
	defer c.parser.Put(p)

	v, err := p.ParseBytes(result.Body)
	if err != nil {
		c.logger.Debug("Ignoring unparseable ingestion response", zap.Error(err))
		return
	}

	name := string(v.GetStringBytes("MinimumLevelAccepted"))
	if name == "" {
		return
	}

	level, err := levels.Parse(name)
	if err != nil {
		c.logger.Warn("Server advertised unknown minimum level",
			zap.String("level", name))
		return
	}

	result.MinimumLevel = level
	result.HasMinimumLevel = true
}
