package genapi

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

	"github.com/pixmint/credits-backend/pkg/config"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

var (
	errBaseURLRequired = errors.New("genapi base url is required")
	errLoggerRequired  = errors.New("genapi logger is required")
)

// Client calls the generative image backend. Every invocation runs under a
// bounded timeout so a hung render cannot pin a ledger debit forever.
type Client struct {
	httpc         *http.Client
	baseURL       string
	apiKey        string
	invokeTimeout time.Duration
	logger        *logger.Logger
}

// NewClient validates the configuration and builds the generation client.
func NewClient(ctx context.Context, cfg config.GenAPIConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 100 * time.Second
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout <= 0 {
		invokeTimeout = 90 * time.Second
	}

	c := &Client{
		httpc:         &http.Client{Timeout: requestTimeout},
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		invokeTimeout: invokeTimeout,
		logger:        logg,
	}

	logg.Info(ctx, "generation client initialized")
	return c, nil
}

// Params describes a single generation request.
type Params struct {
	ReqID    string `json:"req_id"`
	UID      string `json:"uid"`
	Prompt   string `json:"prompt"`
	Style    string `json:"style,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Seed     int64  `json:"seed,omitempty"`
	Strength int    `json:"strength,omitempty"`
}

// Result carries the reference to the produced asset.
type Result struct {
	ResultRef string `json:"result_ref"`
	Model     string `json:"model,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// Invoke runs a generation synchronously under the invoke timeout.
// Deadline expiry and transport failures surface as dependency errors so the
// caller can compensate the debit.
func (c *Client) Invoke(ctx context.Context, params Params) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode generation request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build generation request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "generation timed out")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "generation request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read generation response")
	}

	if resp.StatusCode >= 400 {
		c.logger.Error(ctx, "generation backend rejected request",
			fmt.Errorf("status %d", resp.StatusCode))
		code := pkgerrors.CodeDependency
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			code = pkgerrors.CodeProviderFailed
		}
		return nil, pkgerrors.New(code, fmt.Sprintf("generation backend returned %d", resp.StatusCode))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode generation response")
	}
	if result.ResultRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeProviderFailed, "generation backend returned no result reference")
	}

	ctx = c.logger.WithFields(ctx, map[string]any{
		"req_id":     params.ReqID,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	c.logger.Info(ctx, "generation completed")
	return &result, nil
}
