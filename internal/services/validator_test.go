package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func newTestValidator(t *testing.T) *RequestValidator {
	t.Helper()
	v, err := NewRequestValidator()
	if err != nil {
		t.Fatalf("NewRequestValidator: %v", err)
	}
	return v
}

func TestValidateRequest_Valid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		schema string
		body   string
	}{
		{SchemaOrderRequest, `{"url":"https://www.freepik.com/free-photo/cat_1.htm"}`},
		{SchemaOrderRequest, `{"url":"https://x.test/a","expected_cost":"0.5"}`},
		{SchemaOrderRequest, `{"url":"https://x.test/a","expected_cost":10}`},
		{SchemaBatchRequest, `{"items":[{"url":"https://x.test/a","selected":true},{"url":"https://x.test/b"}]}`},
		{SchemaWalletTransaction, `{"user_id":7,"type":"topup","points":"100","currency_amount":"9.99","currency_code":"USD","meta":{"ref":"inv-1"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.schema, func(t *testing.T) {
			if err := v.ValidateRequest(tc.schema, []byte(tc.body)); err != nil {
				t.Fatalf("expected valid body, got: %v", err)
			}
		})
	}
}

func TestValidateRequest_Invalid(t *testing.T) {
	v := newTestValidator(t)

	tooMany := make([]string, maxBatchItems+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf(`{"url":"https://x.test/%d"}`, i)
	}

	cases := []struct {
		name   string
		schema string
		body   string
	}{
		{"missing url", SchemaOrderRequest, `{}`},
		{"empty url", SchemaOrderRequest, `{"url":""}`},
		{"expected_cost bool", SchemaOrderRequest, `{"url":"a","expected_cost":true}`},
		{"not json", SchemaOrderRequest, `{url`},
		{"empty batch", SchemaBatchRequest, `{"items":[]}`},
		{"batch too large", SchemaBatchRequest, `{"items":[` + strings.Join(tooMany, ",") + `]}`},
		{"batch item without url", SchemaBatchRequest, `{"items":[{"selected":true}]}`},
		{"user id zero", SchemaWalletTransaction, `{"user_id":0,"type":"topup","points":"1"}`},
		{"missing type", SchemaWalletTransaction, `{"user_id":1,"points":"1"}`},
		{"meta not object", SchemaWalletTransaction, `{"user_id":1,"type":"topup","points":"1","meta":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateRequest(tc.schema, []byte(tc.body))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestValidateRequest_UnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	err := v.ValidateRequest("nope", []byte(`{}`))
	if err == nil || errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown schema error, got: %v", err)
	}
}
