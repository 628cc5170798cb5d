package googleplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixmint/credits-backend/pkg/config"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/gauth"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const defaultBaseURL = "https://androidpublisher.googleapis.com"

var (
	errPackageNameRequired = errors.New("play package name is required")
	errTokenSourceRequired = errors.New("play token source is required")
	errLoggerRequired      = errors.New("play logger is required")
)

// TokenProvider mints bearer tokens for outbound Google calls.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

// Client wraps the Play Developer purchases API with centralized auth,
// logging, and error mapping.
type Client struct {
	httpc       *http.Client
	tokens      TokenProvider
	packageName string
	baseURL     string
	logger      *logger.Logger
}

// NewClient validates the configuration and builds the Play client.
func NewClient(ctx context.Context, cfg config.PlayConfig, tokens TokenProvider, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	if tokens == nil {
		return nil, errTokenSourceRequired
	}
	packageName := strings.TrimSpace(cfg.PackageName)
	if packageName == "" {
		return nil, errPackageNameRequired
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		httpc:       &http.Client{Timeout: timeout},
		tokens:      tokens,
		packageName: packageName,
		baseURL:     defaultBaseURL,
		logger:      logg,
	}

	logg.Info(ctx, "google play client initialized")
	return c, nil
}

// ProductPurchase is the subset of the purchases.products resource the
// verifier needs.
type ProductPurchase struct {
	Kind                 string `json:"kind"`
	OrderID              string `json:"orderId"`
	PurchaseState        int    `json:"purchaseState"`
	ConsumptionState     int    `json:"consumptionState"`
	AcknowledgementState int    `json:"acknowledgementState"`
	PurchaseTimeMillis   string `json:"purchaseTimeMillis"`
	RegionCode           string `json:"regionCode"`
}

// Purchase/consumption state values per the Play Developer API.
const (
	PurchaseStatePurchased = 0
	PurchaseStateCanceled  = 1
	PurchaseStatePending   = 2

	ConsumptionStateUnconsumed = 0
	ConsumptionStateConsumed   = 1
)

// IsPurchasedUnconsumed reports whether the purchase can still grant credit.
func (p *ProductPurchase) IsPurchasedUnconsumed() bool {
	if p == nil {
		return false
	}
	return p.PurchaseState == PurchaseStatePurchased && p.ConsumptionState == ConsumptionStateUnconsumed
}

// VerifyProduct fetches the purchase record for a product token.
func (c *Client) VerifyProduct(ctx context.Context, skuID, purchaseToken string) (*ProductPurchase, error) {
	c.log(ctx, "request", "verify_product", map[string]any{"sku_id": skuID, "purchase_token": purchaseToken})

	endpoint := fmt.Sprintf(
		"%s/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s",
		c.baseURL, url.PathEscape(c.packageName), url.PathEscape(skuID), url.PathEscape(purchaseToken),
	)

	body, err := c.do(ctx, http.MethodGet, endpoint, "verify product")
	if err != nil {
		c.log(ctx, "error", "verify_product", map[string]any{"error": err.Error()})
		return nil, err
	}

	var purchase ProductPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode play purchase")
	}

	c.log(ctx, "response", "verify_product", map[string]any{
		"order_id":          purchase.OrderID,
		"purchase_state":    purchase.PurchaseState,
		"consumption_state": purchase.ConsumptionState,
	})
	return &purchase, nil
}

// Acknowledge marks the purchase as acknowledged so Play does not auto-refund it.
func (c *Client) Acknowledge(ctx context.Context, skuID, purchaseToken string) error {
	c.log(ctx, "request", "acknowledge", map[string]any{"sku_id": skuID, "purchase_token": purchaseToken})

	endpoint := fmt.Sprintf(
		"%s/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s:acknowledge",
		c.baseURL, url.PathEscape(c.packageName), url.PathEscape(skuID), url.PathEscape(purchaseToken),
	)

	if _, err := c.do(ctx, http.MethodPost, endpoint, "acknowledge purchase"); err != nil {
		c.log(ctx, "error", "acknowledge", map[string]any{"error": err.Error()})
		return err
	}

	c.log(ctx, "response", "acknowledge", nil)
	return nil
}

// Consume flags a consumable purchase as consumed so the SKU can be bought again.
func (c *Client) Consume(ctx context.Context, skuID, purchaseToken string) error {
	c.log(ctx, "request", "consume", map[string]any{"sku_id": skuID, "purchase_token": purchaseToken})

	endpoint := fmt.Sprintf(
		"%s/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s:consume",
		c.baseURL, url.PathEscape(c.packageName), url.PathEscape(skuID), url.PathEscape(purchaseToken),
	)

	if _, err := c.do(ctx, http.MethodPost, endpoint, "consume purchase"); err != nil {
		c.log(ctx, "error", "consume", map[string]any{"error": err.Error()})
		return err
	}

	c.log(ctx, "response", "consume", nil)
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, op string) ([]byte, error) {
	token, err := c.tokens.Token(ctx, gauth.ScopeAndroidPublisher)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "obtain play token")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("build %s request", op))
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("play %s failed", op))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("read play %s response", op))
	}

	if resp.StatusCode >= 400 {
		return nil, mapPlayError(resp.StatusCode, op)
	}
	return body, nil
}

func mapPlayError(status int, op string) error {
	msg := fmt.Sprintf("play %s returned %d", op, status)
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		// Unknown or malformed token: the purchase cannot be trusted.
		return pkgerrors.New(pkgerrors.CodeInvalidPurchase, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, msg)
	case http.StatusConflict:
		return pkgerrors.New(pkgerrors.CodeStateConflict, msg)
	case http.StatusTooManyRequests:
		return pkgerrors.New(pkgerrors.CodeRateLimit, msg)
	default:
		return pkgerrors.New(pkgerrors.CodeDependency, msg)
	}
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("play %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Info(ctx, fmt.Sprintf("play %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"token", "secret", "key"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}
