// Package provider is the HTTP client of the remote stock-download API that fulfils orders.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockpoints/backend/internal/metrics"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 1 << 20
	apiKeyHeader    = "X-API-Key"
)

var (
	// ErrRemote is any failed exchange with the provider: transport error, non-2xx
	// response, undecodable body or an explicit rejection.
	ErrRemote = errors.New("remote provider error")
	// ErrTimeout is a timed out exchange. It is also an ErrRemote.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrRemote)
	// ErrNotReady means the download link is not prepared yet.
	ErrNotReady = errors.New("download not ready")
)

type PlaceResult struct {
	TaskID  string
	Message string
	Cost    *decimal.Decimal
	Raw     json.RawMessage
}

type StatusResult struct {
	Status  string
	Message string
	// Failed is set when the provider explicitly reports failure, whatever Status says.
	Failed bool
	Raw    json.RawMessage
}

type DownloadResult struct {
	URL      string
	FileName string
	LinkType string
	Raw      json.RawMessage
}

type Preview struct {
	ThumbnailURL string
	Raw          json.RawMessage
}

// Client talks to the provider API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tracer  trace.Tracer
	metrics *metrics.Metrics
	preview *previewCache
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithPreviewCache caches successful previews per (site, stock id).
func WithPreviewCache(size int, ttl time.Duration) Option {
	return func(c *Client) { c.preview = newPreviewCache(size, ttl) }
}

func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		tracer:  otel.Tracer("github.com/stockpoints/backend/internal/provider"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type placeRequest struct {
	Site string `json:"site"`
	ID   string `json:"id"`
	URL  string `json:"url"`
}

type placeResponse struct {
	Success bool             `json:"success"`
	TaskID  string           `json:"task_id"`
	Message string           `json:"message"`
	Cost    *decimal.Decimal `json:"cost"`
}

// PlaceOrder asks the provider to fetch (site, stockID) and returns its task id.
func (c *Client) PlaceOrder(ctx context.Context, site, stockID, sourceURL string) (*PlaceResult, error) {
	var out placeResponse
	raw, err := c.do(ctx, "place", http.MethodPost, "/v1/orders", placeRequest{Site: site, ID: stockID, URL: sourceURL}, &out,
		attribute.String("stock.site", site), attribute.String("stock.id", stockID))
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: order rejected: %s", ErrRemote, out.Message)
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return nil, fmt.Errorf("%w: response without task_id", ErrRemote)
	}
	return &PlaceResult{TaskID: out.TaskID, Message: out.Message, Cost: out.Cost, Raw: raw}, nil
}

type statusResponse struct {
	Success *bool  `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// GetStatus returns the provider's view of a task. Status is passed through raw;
// normalization is up to the caller.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*StatusResult, error) {
	var out statusResponse
	raw, err := c.do(ctx, "status", http.MethodGet, "/v1/orders/"+url.PathEscape(taskID)+"/status", nil, &out,
		attribute.String("order.task_id", taskID))
	if err != nil {
		return nil, err
	}
	msg := out.Message
	if msg == "" {
		msg = out.Error
	}
	return &StatusResult{
		Status:  out.Status,
		Message: msg,
		Failed:  (out.Success != nil && !*out.Success) || out.Error != "",
		Raw:     raw,
	}, nil
}

type downloadResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	LinkType string `json:"link_type"`
	Message  string `json:"message"`
}

// GetDownload asks for the prepared link. ErrNotReady when the provider is still working.
func (c *Client) GetDownload(ctx context.Context, taskID string) (*DownloadResult, error) {
	var out downloadResponse
	raw, err := c.do(ctx, "download", http.MethodPost, "/v1/orders/"+url.PathEscape(taskID)+"/download", nil, &out,
		attribute.String("order.task_id", taskID))
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: download rejected: %s", ErrRemote, out.Message)
	}
	if out.URL == "" {
		return nil, ErrNotReady
	}
	return &DownloadResult{URL: out.URL, FileName: out.FileName, LinkType: out.LinkType, Raw: raw}, nil
}

type previewResponse struct {
	Success   bool   `json:"success"`
	Thumbnail string `json:"thumbnail"`
}

// GetPreview fetches a thumbnail for a stock item. Results are cached when the client
// was built WithPreviewCache.
func (c *Client) GetPreview(ctx context.Context, site, stockID, sourceURL string) (*Preview, error) {
	key := site + "/" + stockID
	if c.preview != nil {
		if p, ok := c.preview.get(key); ok {
			c.metrics.ObservePreviewCache(true)
			return p, nil
		}
		c.metrics.ObservePreviewCache(false)
	}
	q := url.Values{"site": {site}, "id": {stockID}, "url": {sourceURL}}
	var out previewResponse
	raw, err := c.do(ctx, "preview", http.MethodGet, "/v1/preview?"+q.Encode(), nil, &out,
		attribute.String("stock.site", site), attribute.String("stock.id", stockID))
	if err != nil {
		return nil, err
	}
	if !out.Success || out.Thumbnail == "" {
		return nil, fmt.Errorf("%w: no preview", ErrRemote)
	}
	p := &Preview{ThumbnailURL: out.Thumbnail, Raw: raw}
	if c.preview != nil {
		c.preview.add(key, p)
	}
	return p, nil
}

// do performs one JSON exchange. 202 Accepted is reported as ErrNotReady.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, attrs ...attribute.KeyValue) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "provider."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	raw, err := c.exchange(ctx, method, path, in, out)

	status := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case errors.Is(err, ErrNotReady):
		status = "not_ready"
	case err != nil:
		status = "error"
	}
	c.metrics.ObserveRemote(op, status, time.Since(start))
	if err != nil && !errors.Is(err, ErrNotReady) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (c *Client) exchange(ctx context.Context, method, path string, in, out any) (json.RawMessage, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal provider request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: read body: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrRemote, err)
	}
	if resp.StatusCode == http.StatusAccepted {
		return raw, ErrNotReady
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("%w: decode response: %v", ErrRemote, err)
	}
	return raw, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
