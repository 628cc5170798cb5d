package validators

import (
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
)

type sampleRequest struct {
	Prompt string `json:"prompt" validate:"required,max=20"`
	Width  int    `json:"width" validate:"required,min=64,max=2048"`
	ReqID  string `json:"req_id" validate:"required,uuid4"`
}

func decode(t *testing.T, body string, dest any) error {
	t.Helper()
	r := httptest.NewRequest("POST", "/", strings.NewReader(body))
	return DecodeJSONBody(r, dest)
}

func TestDecodeJSONBodyAcceptsValidInput(t *testing.T) {
	var req sampleRequest
	err := decode(t, `{"prompt":"a fox","width":512,"req_id":"8cc9c6af-9c1d-4ec9-8b5e-3a59f22ab68a"}`, &req)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Prompt != "a fox" || req.Width != 512 {
		t.Fatalf("fields not populated: %+v", req)
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	var req sampleRequest
	err := decode(t, `{"prompt":"a fox","width":512,"req_id":"8cc9c6af-9c1d-4ec9-8b5e-3a59f22ab68a","amount":9999}`, &req)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("unknown fields must fail validation, got %v", err)
	}
}

func TestDecodeJSONBodyRejectsMalformedJSON(t *testing.T) {
	var req sampleRequest
	err := decode(t, `{"prompt":`, &req)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("malformed body must fail validation, got %v", err)
	}
}

func TestDecodeJSONBodyReportsFieldErrorsByJSONName(t *testing.T) {
	var req sampleRequest
	err := decode(t, `{"width":16,"req_id":"not-a-uuid"}`, &req)

	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok {
		t.Fatalf("expected field details, got %v", typed.Details())
	}
	if details["prompt"] != "is required" {
		t.Fatalf("missing prompt detail: %v", details)
	}
	if details["width"] != "must be at least 64" {
		t.Fatalf("missing width detail: %v", details)
	}
	if details["req_id"] != "must be a valid uuid" {
		t.Fatalf("missing req_id detail: %v", details)
	}
}
