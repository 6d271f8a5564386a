package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
	"github.com/0xdsaini/telegramdrive/pkg/retry"
)

// Bodies smaller than this are sent uncompressed.
const gzipThreshold = 1 << 10

// ErrUnauthorized is returned when the gateway rejects the token.
var ErrUnauthorized = errors.New("gateway rejected credentials")

// Client is a transport.Transport backed by a gateway server.
type Client struct {
	base  string
	http  *http.Client
	retry retry.Config
	link  reachability

	tokenMu sync.RWMutex
	token   string
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// NewClient returns a client for the gateway at cfg.BaseURL. Zero fields get
// a five minute timeout and retry.DefaultConfig.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	rc := cfg.RetryConfig
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	c := &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				// Bodies are gzipped by hand so both directions match.
				DisableCompression: true,
			},
		},
		retry: rc,
		token: cfg.AuthToken,
	}
	c.link.url = c.base
	c.link.up = true
	return c
}

// SetAuthToken replaces the bearer token sent with each request.
func (c *Client) SetAuthToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// IsOnline reports whether the last exchange with the gateway succeeded.
func (c *Client) IsOnline() bool { return c.link.get() }

// reachability tracks whether the gateway answered the last request and logs
// transitions.
type reachability struct {
	url string

	mu sync.Mutex
	up bool
}

func (r *reachability) get() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.up
}

func (r *reachability) set(up bool) {
	r.mu.Lock()
	changed := r.up != up
	r.up = up
	r.mu.Unlock()

	switch {
	case changed && up:
		logging.Info("gateway is back online", zap.String("url", r.url))
	case changed:
		logging.Error("gateway is offline", zap.String("url", r.url))
	}
}

// Ping checks the gateway health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.link.set(false)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.link.set(false)
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	c.link.set(true)
	return nil
}

// Send implements transport.Transport. Requests are retried on network
// errors and 5xx answers, except sendMessage: a send whose response was lost
// may already have created a message.
func (c *Client) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	extra := uuid.NewString()
	body, err := protocol.Marshal(req, extra)
	if err != nil {
		return nil, err
	}

	cfg := c.retry
	if _, ok := req.(protocol.SendMessage); ok {
		cfg.MaxAttempts = 1
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (protocol.Response, error) {
		return c.post(ctx, body, extra)
	})
	metrics.RecordRPC(req.TypeName(), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.TypeName(), err)
	}
	return resp, nil
}

// encodeBody gzips bodies of at least gzipThreshold bytes.
func encodeBody(body []byte) (io.Reader, bool) {
	if len(body) < gzipThreshold {
		return bytes.NewReader(body), false
	}
	var buf bytes.Buffer
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(&buf)
	gw.Write(body)
	gw.Close()
	gzipPool.Put(gw)
	return &buf, true
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return io.ReadAll(resp.Body)
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gzip response: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func (c *Client) post(ctx context.Context, body []byte, extra string) (protocol.Response, error) {
	payload, gzipped := encodeBody(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathSend, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.link.set(false)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		c.link.set(false)
		return nil, retry.Retryable(fmt.Errorf("read response: %w", err))
	}

	// Any answer below 500 means the gateway itself is reachable.
	c.link.set(resp.StatusCode < 500)
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case code >= 500:
		return nil, retry.Retryable(fmt.Errorf("gateway error %d: %s", code, errorText(data)))
	case code != http.StatusOK:
		return nil, fmt.Errorf("gateway returned %d: %s", code, errorText(data))
	}

	out, gotExtra, err := protocol.UnmarshalResponse(data)
	if err != nil {
		return nil, err
	}
	if gotExtra != extra {
		return nil, fmt.Errorf("response correlation id %q does not match request %q", gotExtra, extra)
	}
	return out, nil
}

func errorText(data []byte) string {
	var he httpError
	if err := json.Unmarshal(data, &he); err == nil && he.Error != "" {
		return he.Error
	}
	return strings.TrimSpace(string(data))
}
