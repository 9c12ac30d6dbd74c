// Package monitor validates inbound checkout requests against a JSON schema
// before they reach the orchestrator.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// InitiateRequestSchema is the contract for POST /checkout/:orderID/initiate.
// The amount is re-fetched from the backend before use; the schema only guards
// shape and obvious garbage.
const InitiateRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "CheckoutInitiateRequest",
  "type": "object",
  "properties": {
    "description": { "type": "string", "maxLength": 256 }
  },
  "additionalProperties": false
}`

// SelectMethodSchema is the contract for POST /checkout/:orderID/method.
const SelectMethodSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "CheckoutSelectMethodRequest",
  "type": "object",
  "properties": {
    "method": { "type": "string", "enum": ["WALLET_REDIRECT", "BANK_QR"] }
  },
  "required": ["method"],
  "additionalProperties": false
}`

// ContractMonitor validates request bodies against a JSON schema.
type ContractMonitor struct {
	schemaLoader gojsonschema.JSONLoader
}

// NewContractMonitor compiles the given schema document.
func NewContractMonitor(schema string) (*ContractMonitor, error) {
	loader := gojsonschema.NewStringLoader(schema)
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		return nil, fmt.Errorf("monitor: loading schema: %w", err)
	}
	return &ContractMonitor{schemaLoader: loader}, nil
}

// NewContractMonitorFromFile compiles a schema from disk, for deployments that
// ship the contract next to the binary.
func NewContractMonitorFromFile(schemaPath string) (*ContractMonitor, error) {
	loader := gojsonschema.NewReferenceLoader("file://" + schemaPath)
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		return nil, fmt.Errorf("monitor: loading schema %s: %w", schemaPath, err)
	}
	return &ContractMonitor{schemaLoader: loader}, nil
}

// Validate checks the request body against the schema. It returns true when
// valid, or false plus the validation messages.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	documentLoader := gojsonschema.NewBytesLoader(requestBody)
	result, err := gojsonschema.Validate(cm.schemaLoader, documentLoader)
	if err != nil {
		return false, nil, fmt.Errorf("monitor: validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors joins validation messages into one displayable string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
