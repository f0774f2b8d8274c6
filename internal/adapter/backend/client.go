package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nareth/helmsman/internal/adapter/breaker"
	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
	"github.com/nareth/helmsman/pkg/pool"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultKeepAlive        = 60 * time.Second
	defaultMaxIdleConns     = 20
	defaultIdleConnsPerHost = 5
	defaultIdleConnTimeout  = 90 * time.Second
	defaultTLSTimeout       = 10 * time.Second

	defaultStreamBufferSize = 8 * 1024

	// cap on how much of an error body we keep for classification
	maxErrorBodyBytes = 4 * 1024

	testModelPrompt = "hi"
)

// Client speaks the primary (Ollama-style) backend API with optional
// OpenAI-compatible discovery. All failures leave this boundary as
// *domain.RequestError with a typed kind; callers never inspect messages.
type Client struct {
	httpClient *http.Client
	classifier *breaker.Classifier
	cfg        config.StreamingConfig
	bufferPool *pool.Pool[*[]byte]

	// streams bounds concurrent streaming transfers; a slot is held for the
	// life of the transfer and acquisition blocks, so saturated streaming
	// capacity backpressures callers instead of piling up transfers.
	streams *semaphore.Weighted

	logger *logger.StyledLogger
	now    func() time.Time
}

func NewClient(cfg config.StreamingConfig, classifier *breaker.Classifier, log *logger.StyledLogger) (*Client, error) {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultStreamBufferSize
	}
	bufferPool, err := pool.New(func() *[]byte {
		buf := make([]byte, bufferSize)
		return &buf
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultTLSTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout:   defaultConnectTimeout,
				KeepAlive: defaultKeepAlive,
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Nagle hurts token-at-a-time streaming.
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if terr := tcpConn.SetNoDelay(true); terr != nil {
					log.Warn("failed to set NoDelay", "error", terr)
				}
			}
			return conn, nil
		},
	}

	var streams *semaphore.Weighted
	if cfg.MaxConcurrentStreams > 0 {
		streams = semaphore.NewWeighted(int64(cfg.MaxConcurrentStreams))
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		classifier: classifier,
		cfg:        cfg,
		bufferPool: bufferPool,
		streams:    streams,
		logger:     log,
		now:        time.Now,
	}, nil
}

// wire DTOs for the enumeration endpoints

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		ModifiedAt time.Time `json:"modified_at"`
		Details    struct {
			Family            string `json:"family"`
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

type psResponse struct {
	Models []struct {
		Name      string    `json:"name"`
		SizeVRAM  int64     `json:"size_vram"`
		ExpiresAt time.Time `json:"expires_at"`
		Digest    string    `json:"digest"`
	} `json:"models"`
}

func (c *Client) ListModels(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error) {
	body, err := c.get(ctx, server, "/api/tags")
	if err != nil {
		return nil, err
	}

	var parsed tagsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, domain.NewRequestError(domain.ErrKindUnknown, server.ID, "", 0,
			fmt.Errorf("decode model list: %w", err))
	}

	models := make([]domain.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, domain.ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
			Details: domain.ModelDetails{
				Family:            m.Details.Family,
				ParameterSize:     m.Details.ParameterSize,
				QuantizationLevel: m.Details.QuantizationLevel,
			},
		})
	}
	return models, nil
}

func (c *Client) ListLoadedModels(ctx context.Context, server *domain.Server) ([]domain.LoadedModel, error) {
	body, err := c.get(ctx, server, "/api/ps")
	if err != nil {
		return nil, err
	}

	var parsed psResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, domain.NewRequestError(domain.ErrKindUnknown, server.ID, "", 0,
			fmt.Errorf("decode loaded models: %w", err))
	}

	loaded := make([]domain.LoadedModel, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		loaded = append(loaded, domain.LoadedModel{
			Name:      m.Name,
			VRAMBytes: m.SizeVRAM,
			ExpiresAt: m.ExpiresAt,
			Digest:    m.Digest,
		})
	}
	return loaded, nil
}

func (c *Client) DiscoverCompat(ctx context.Context, server *domain.Server) (bool, error) {
	_, err := c.get(ctx, server, "/v1/models")
	if err != nil {
		if domain.KindOf(err) == domain.ErrKindModelNotFound {
			// 404 means the surface simply isn't there.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TestModel issues a minimal single-token generation to verify the model
// actually answers, not just that the server is up.
func (c *Client) TestModel(ctx context.Context, server *domain.Server, model string, timeout time.Duration) error {
	payload, err := json.Marshal(map[string]any{
		"model":   model,
		"prompt":  testModelPrompt,
		"stream":  false,
		"options": map[string]any{"num_predict": 1},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = c.post(ctx, server, model, "/api/generate", payload)
	return err
}

func endpointPath(endpoint domain.EndpointKind) string {
	switch endpoint {
	case domain.EndpointChat:
		return "/api/chat"
	case domain.EndpointEmbed:
		return "/api/embeddings"
	default:
		return "/api/generate"
	}
}

// Execute proxies one inference call. Unary responses come back in the
// result body; streaming responses are copied to out chunk by chunk with
// TTFT, inactivity and duration bookkeeping along the way.
func (c *Client) Execute(ctx context.Context, server *domain.Server, req *domain.RequestContext, payload []byte, out io.Writer) (*domain.CompletionResult, error) {
	path := endpointPath(req.Endpoint)

	// Streaming gets its own cancel so the inactivity timer can abort the
	// transfer mid-body, and an optional overall deadline caps the whole
	// stream regardless of per-chunk activity.
	var cancelExec context.CancelFunc
	if req.Streaming {
		if c.streams != nil {
			if err := c.streams.Acquire(ctx, 1); err != nil {
				return nil, c.transportError(server.ID, req.Model, err)
			}
			defer c.streams.Release(1)
		}
		if c.cfg.Timeout > 0 {
			ctx, cancelExec = context.WithTimeout(ctx, c.cfg.Timeout)
		} else {
			ctx, cancelExec = context.WithCancel(ctx)
		}
		defer cancelExec()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewRequestError(domain.ErrKindBadRequest, server.ID, req.Model, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq, server)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(server.ID, req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.responseError(server.ID, req.Model, resp)
	}

	if req.Streaming {
		return c.consumeStream(ctx, cancelExec, server, req, resp.Body, out)
	}
	return c.consumeUnary(server, req, resp)
}

func (c *Client) consumeUnary(server *domain.Server, req *domain.RequestContext, resp *http.Response) (*domain.CompletionResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(server.ID, req.Model, err)
	}

	result := &domain.CompletionResult{
		Body:   body,
		Status: resp.StatusCode,
	}
	result.TokensGenerated, result.TokensPrompt = extractTokenCounts(body)
	return result, nil
}

func (c *Client) get(ctx context.Context, server *domain.Server, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+path, nil)
	if err != nil {
		return nil, domain.NewRequestError(domain.ErrKindBadRequest, server.ID, "", 0, err)
	}
	c.authorize(req, server)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(server.ID, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.responseError(server.ID, "", resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, server *domain.Server, model, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewRequestError(domain.ErrKindBadRequest, server.ID, model, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, server)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(server.ID, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.responseError(server.ID, model, resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request, server *domain.Server) {
	if server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+server.APIKey)
	}
}

func (c *Client) transportError(serverID, model string, err error) error {
	kind := c.classifier.ClassifyError(err)
	return domain.NewRequestError(kind, serverID, model, 0, err)
}

func (c *Client) responseError(serverID, model string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	kind := c.classifier.ClassifyResponse(resp.StatusCode, string(body))
	return domain.NewRequestError(kind, serverID, model, resp.StatusCode,
		fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
