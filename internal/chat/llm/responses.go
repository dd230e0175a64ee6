package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxFrameSize = 4 << 20

var (
	ErrMissingAPIKey  = errors.New("llm: API key is required")
	ErrMissingBaseURL = errors.New("llm: base URL is required")
)

// Config configures the Responses API client
type Config struct {
	APIKey  string
	BaseURL string
	// Timeout bounds connecting and waiting for response headers; the
	// stream itself runs until it ends or is cancelled
	Timeout time.Duration
	Headers map[string]string
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// ResponsesClient streams model responses over server-sent events
type ResponsesClient struct {
	config *Config
	client *http.Client
	log    *zap.Logger
}

var _ biz.Transport = (*ResponsesClient)(nil)

// NewResponsesClient creates the streaming transport
func NewResponsesClient(cfg *Config, log *zap.Logger) (*ResponsesClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	return &ResponsesClient{
		config: cfg,
		client: &http.Client{Transport: transport},
		log:    log.Named("responses"),
	}, nil
}

func (c *ResponsesClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
}

// Stream implements biz.Transport. The returned source owns the response
// body until Close.
func (c *ResponsesClient) Stream(ctx context.Context, req *types.ResponseRequest) (stream.EventSource, error) {
	body := *req
	body.Stream = true
	raw, err := json.Marshal(&body)
	if err != nil {
		return nil, newProviderError("marshal request failed", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+"/responses", bytes.NewReader(raw))
	if err != nil {
		cancel()
		return nil, newProviderError("create request failed", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, newProviderError("request failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &ProviderError{
			Type:       errorTypeForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(payload),
			RequestID:  resp.Header.Get("x-request-id"),
		}
	}

	c.log.Debug("response stream opened",
		zap.String("model", body.Model),
		zap.String("request_id", resp.Header.Get("x-request-id")),
	)
	return newSSESource(resp.Body, cancel), nil
}

// Close releases idle connections
func (c *ResponsesClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// apiErrorMessage extracts error.message from a JSON error body
func apiErrorMessage(payload []byte) string {
	if msg := gjson.GetBytes(payload, "error.message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "API error"
	}
	return "API error: " + text
}

type frame struct {
	data []byte
	err  error
}

// sseSource reads server-sent events on its own goroutine so that Next can
// honour cancellation while a read is blocked
type sseSource struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	frames chan frame
	done   chan struct{}
	once   sync.Once
}

func newSSESource(body io.ReadCloser, cancel context.CancelFunc) *sseSource {
	s := &sseSource{
		body:   body,
		cancel: cancel,
		frames: make(chan frame, 16),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *sseSource) read() {
	defer close(s.frames)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)

	var data [][]byte
	dispatch := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := bytes.Join(data, []byte("\n"))
		data = nil
		if string(payload) == "[DONE]" {
			s.emit(frame{err: io.EOF})
			return false
		}
		return s.emit(frame{data: payload})
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if !dispatch() {
				return
			}
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			data = append(data, append([]byte(nil), value...))
		default:
			// event:, id:, retry: and comments carry nothing the decoder needs
		}
	}
	if err := scanner.Err(); err != nil {
		s.emit(frame{err: newProviderError("read stream failed", err)})
		return
	}
	// a final event without its trailing blank line still counts
	if dispatch() {
		s.emit(frame{err: io.EOF})
	}
}

func (s *sseSource) emit(f frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// Next implements stream.EventSource
func (s *sseSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, stream.ErrSourceClosed
	default:
	}
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, stream.ErrSourceClosed
		}
		if f.err != nil {
			return nil, f.err
		}
		return f.data, nil
	case <-s.done:
		return nil, stream.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements stream.EventSource
func (s *sseSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
	})
	return err
}
