package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samogod/tagtrain/pkg/config"
)

var DebugLog func(string, ...interface{})

const userAgent = "tagtrain"

type Session struct {
	Client *http.Client
	Config *config.Config
}

// LoggingTransport reports every request and failed response through
// DebugLog. It also stamps the User-Agent header.
type LoggingTransport struct {
	Transport http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}

	if DebugLog != nil {
		DebugLog("requesting url: %s", req.URL.String())
	}

	start := time.Now()
	resp, err := t.Transport.RoundTrip(req)

	if DebugLog != nil {
		if err != nil {
			DebugLog("request to %s failed: %v", req.URL.Host, err)
		} else {
			DebugLog("response for %s: status code %d, %d bytes in %v",
				req.URL.String(), resp.StatusCode, resp.ContentLength, time.Since(start).Round(time.Millisecond))

			if resp.StatusCode >= 400 && resp.Body != nil {
				bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 500))
				if readErr == nil && len(bodyBytes) > 0 {
					DebugLog("error response body: %s", strings.TrimSpace(string(bodyBytes)))
				}
				resp.Body = readCloser{io.MultiReader(strings.NewReader(string(bodyBytes)), resp.Body), resp.Body}
			}
		}
	}

	return resp, err
}

type readCloser struct {
	io.Reader
	io.Closer
}

func New(cfg *config.Config) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session needs a configuration")
	}

	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Timeout:   time.Duration(cfg.Embeddings.Timeout) * time.Second,
		Transport: &LoggingTransport{Transport: baseTransport},
	}

	return &Session{
		Client: client,
		Config: cfg,
	}, nil
}

// Get issues a GET bound to ctx and fails on non-2xx statuses.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return resp, nil
}
