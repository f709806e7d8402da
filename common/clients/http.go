package clients

import (
	"context"
	"io"
	"net/http"
)

// UserAgent is sent on every outbound request unless the caller overrides it
const UserAgent = "editsync/1"

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client and copies the caller identity from the
// context onto each request
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// Response is a reply whose body has been read and closed
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request. The caller closes the body.
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.identify(ctx, req)

	return c.client.Do(req)
}

// Exchange executes the request and reads at most limit bytes of the body.
// A transport failure returns a nil Response; a failed body read returns the
// Response with its status and the read error.
func (c *HTTPClient) Exchange(ctx context.Context, method, url string, body io.Reader, headers map[string]string, limit int64) (*Response, error) {
	resp, err := c.DoRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	out.Body, err = io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return out, err
	}
	c.logger.Debug("http exchange", "method", method, "url", url, "status", resp.StatusCode, "bytes", len(out.Body))
	return out, nil
}

func (c *HTTPClient) identify(ctx context.Context, req *http.Request) {
	if userID, ok := GetUserID(ctx); ok {
		req.Header.Set("X-User-ID", userID)
	}
	if token, ok := GetBearerToken(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID, ok := GetRequestID(ctx); ok {
		req.Header.Set("X-Request-ID", requestID)
	}
}
