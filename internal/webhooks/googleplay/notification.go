package googleplaywebhook

import (
	"encoding/base64"
	"encoding/json"

	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
)

// One-time product notification types per the Play RTDN schema.
const (
	OneTimeProductPurchased = 1
	OneTimeProductCanceled  = 2
)

// PushEnvelope is the Pub/Sub push wrapper around a developer notification.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage carries the base64 notification body and the broker message id.
type PushMessage struct {
	Data      string `json:"data"`
	MessageID string `json:"messageId"`
}

// DeveloperNotification is a Play real-time developer notification.
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	VoidedPurchaseNotification *VoidedPurchaseNotification `json:"voidedPurchaseNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

// OneTimeProductNotification reports a one-time product state change.
type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

// VoidedPurchaseNotification reports a refunded or voided purchase.
type VoidedPurchaseNotification struct {
	PurchaseToken string `json:"purchaseToken"`
	OrderID       string `json:"orderId"`
	ProductType   int    `json:"productType"`
	RefundType    int    `json:"refundType"`
}

// TestNotification is Play's console-triggered test ping.
type TestNotification struct {
	Version string `json:"version"`
}

// DecodeEnvelope parses the Pub/Sub push wrapper from an HTTP body.
func DecodeEnvelope(body []byte) (*PushEnvelope, error) {
	var envelope PushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode push envelope")
	}
	if envelope.Message.Data == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "push envelope carries no data")
	}
	return &envelope, nil
}

// DecodeNotification parses the base64 notification payload.
func DecodeNotification(data string) (*DeveloperNotification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode notification data")
	}
	var notification DeveloperNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode developer notification")
	}
	return &notification, nil
}
