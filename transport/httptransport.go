package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPTransportConfig configures the default net/http-backed RoundTripper:
// connection pooling and the logger used for per-exchange debug lines.
type HTTPTransportConfig struct {
	// Client is the underlying *http.Client. Defaults to a client with
	// sane idle-connection settings when nil.
	Client *http.Client

	// Logger receives Debug-level entries for each exchange. Defaults to
	// zap.NewNop().
	Logger *zap.Logger
}

// HTTPTransport adapts net/http to the transport.RoundTripper contract.
type HTTPTransport struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTransport builds the default transport adapter.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{client: client, logger: logger}
}

// RoundTrip issues one HTTP exchange. The response body is fully drained
// and closed here so retry/cache layers never hold a live connection.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Debug("transport round-trip failed", zap.String("url", req.URL), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("transport round-trip ok",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	return NewResponse(resp.StatusCode, resp.Status, resp.Header.Clone(), body), nil
}
