package fcm

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
	"github.com/pixmint/credits-backend/pkg/gauth"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const defaultBaseURL = "https://fcm.googleapis.com"

// ErrUnregistered marks a device token Firebase no longer recognizes. The
// caller should deactivate the registration instead of retrying.
var ErrUnregistered = errors.New("fcm: device token is unregistered")

var (
	errProjectIDRequired   = errors.New("fcm project id is required")
	errTokenSourceRequired = errors.New("fcm token source is required")
	errLoggerRequired      = errors.New("fcm logger is required")
)

// TokenProvider mints bearer tokens for outbound Google calls.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

// Client sends data-only messages through the FCM HTTP v1 API.
type Client struct {
	httpc     *http.Client
	tokens    TokenProvider
	projectID string
	baseURL   string
	logger    *logger.Logger
}

// NewClient validates the configuration and builds the FCM client.
func NewClient(ctx context.Context, projectID string, cfg config.FCMConfig, tokens TokenProvider, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	if tokens == nil {
		return nil, errTokenSourceRequired
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, errProjectIDRequired
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		httpc:     &http.Client{Timeout: timeout},
		tokens:    tokens,
		projectID: projectID,
		baseURL:   defaultBaseURL,
		logger:    logg,
	}

	logg.Info(ctx, "fcm client initialized")
	return c, nil
}

type message struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data,omitempty"`
	Android *androidConfig    `json:"android,omitempty"`
}

type androidConfig struct {
	Priority string `json:"priority,omitempty"`
}

type sendRequest struct {
	Message message `json:"message"`
}

type fcmError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Send delivers a high-priority data message to a single device token.
// It returns ErrUnregistered when the token should be dropped.
func (c *Client) Send(ctx context.Context, deviceToken string, data map[string]string) error {
	if strings.TrimSpace(deviceToken) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "device token is required")
	}

	token, err := c.tokens.Token(ctx, gauth.ScopeFirebaseMessaging)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "obtain fcm token")
	}

	payload := sendRequest{Message: message{
		Token:   deviceToken,
		Data:    data,
		Android: &androidConfig{Priority: "HIGH"},
	}}
	body, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode fcm message")
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.baseURL, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build fcm request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fcm send failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	var apiErr fcmError
	_ = json.Unmarshal(respBody, &apiErr)

	if isUnregistered(resp.StatusCode, apiErr.Error.Status) {
		return ErrUnregistered
	}

	c.logger.Error(ctx, "fcm send rejected",
		fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error.Status))
	return pkgerrors.New(pkgerrors.CodeDependency,
		fmt.Sprintf("fcm send returned %d", resp.StatusCode))
}

// Firebase reports dropped tokens either as 404 or as an explicit
// UNREGISTERED/INVALID_ARGUMENT error status on 400.
func isUnregistered(status int, errStatus string) bool {
	if status == http.StatusNotFound {
		return true
	}
	return errStatus == "UNREGISTERED" || errStatus == "INVALID_ARGUMENT"
}
