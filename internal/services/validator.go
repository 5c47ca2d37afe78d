package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request schema names, one per validated endpoint body.
const (
	SchemaOrderRequest      = "order_request"
	SchemaBatchRequest      = "batch_request"
	SchemaWalletTransaction = "wallet_transaction_request"
	requestSchemaBaseURL    = "https://stockpoints.dev/schemas/"
	maxBatchItems           = 50
)

// ErrValidation can be used with errors.Is to detect request validation failures.
var ErrValidation = errors.New("validation failed")

var requestSchemas = map[string]string{
	SchemaOrderRequest: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1, "maxLength": 2048},
			"expected_cost": {"type": ["string", "number"]}
		}
	}`,
	SchemaBatchRequest: fmt.Sprintf(`{
		"type": "object",
		"required": ["items"],
		"properties": {
			"items": {
				"type": "array",
				"minItems": 1,
				"maxItems": %d,
				"items": {
					"type": "object",
					"required": ["url"],
					"properties": {
						"url": {"type": "string", "minLength": 1, "maxLength": 2048},
						"selected": {"type": "boolean"}
					}
				}
			}
		}
	}`, maxBatchItems),
	SchemaWalletTransaction: `{
		"type": "object",
		"required": ["user_id", "type", "points"],
		"properties": {
			"user_id": {"type": "integer", "minimum": 1},
			"type": {"type": "string", "minLength": 1, "maxLength": 64},
			"points": {"type": ["string", "number"]},
			"currency_amount": {"type": ["string", "number", "null"]},
			"currency_code": {"type": ["string", "null"], "maxLength": 8},
			"meta": {"type": ["object", "null"]}
		}
	}`,
}

// RequestValidator checks JSON request bodies against compiled schemas.
type RequestValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewRequestValidator compiles every request schema.
func NewRequestValidator() (*RequestValidator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name, src := range requestSchemas {
		s, err := jsonschema.CompileString(requestSchemaBaseURL+name, src)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		compiled[name] = s
	}
	return &RequestValidator{schemas: compiled}, nil
}

// ValidateRequest performs hard reject: returns ErrValidation if body does not match the named schema.
func (v *RequestValidator) ValidateRequest(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
