package domain

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DispatchMessage is the queue message that asks a worker to dispatch a job
type DispatchMessage struct {
	RequestID  string          `json:"request_id" validate:"required,uuid"`
	Vendor     VendorKind      `json:"vendor" validate:"required,oneof=sync async"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Retry      bool            `json:"retry,omitempty"`
	RetryCount int             `json:"retry_count" validate:"gte=0"`
}

// ParseDispatchMessage decodes and validates a queue message body
func ParseDispatchMessage(body []byte) (DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DispatchMessage{}, NewValidationError("malformed dispatch message: %v", err)
	}
	if err := validate.Struct(msg); err != nil {
		return DispatchMessage{}, NewValidationError("invalid dispatch message: %s", describe(err))
	}
	return msg, nil
}

// VendorNotification is the completion callback an async vendor posts for a job
type VendorNotification struct {
	RequestID string          `json:"request_id" validate:"required,uuid"`
	Success   *bool           `json:"success" validate:"required"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	VendorID  string          `json:"vendor_id,omitempty"`
}

// Validate checks the notification fields
func (n *VendorNotification) Validate() error {
	if err := validate.Struct(n); err != nil {
		return NewValidationError("invalid vendor notification: %s", describe(err))
	}
	return nil
}

// Succeeded reports whether the vendor processed the job successfully
func (n *VendorNotification) Succeeded() bool {
	return n.Success != nil && *n.Success
}

// describe flattens validator errors into "field:tag" pairs
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+":"+fe.Tag())
	}
	return strings.Join(parts, ", ")
}
