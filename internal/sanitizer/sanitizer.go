package sanitizer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

// Version is stamped into every sanitized payload
const Version = "1.0.0"

// MetadataKey is the object key holding the processing stamp
const MetadataKey = "_processed"

// Placeholders substituted for redacted values
const (
	MaskEmail = "[EMAIL_MASKED]"
	MaskPhone = "[PHONE_MASKED]"
	MaskSSN   = "[SSN_MASKED]"
	MaskPII   = "[PII_MASKED]"
)

// sensitiveKeys are matched as case-insensitive substrings of object keys
var sensitiveKeys = []string{
	"ssn",
	"social_security_number",
	"social_security",
	"password",
	"pwd",
	"secret",
	"credit_card",
	"card_number",
	"cc_number",
	"driver_license",
	"drivers_license",
	"dl_number",
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)
)

// Sanitizer normalizes and redacts vendor response payloads
type Sanitizer struct {
	now func() time.Time
}

// New creates a sanitizer using the wall clock for its stamp
func New() *Sanitizer {
	return &Sanitizer{now: time.Now}
}

// Sanitize returns the cleaned form of a vendor response.
//
// Only JSON objects are transformed; arrays, scalars and malformed input are returned
// unchanged. The input is never modified.
func (s *Sanitizer) Sanitize(raw json.RawMessage, vendor domain.VendorKind) json.RawMessage {
	obj, ok := decodeObject(raw)
	if !ok {
		return raw
	}

	v := trim(obj)
	v = elide(v)
	v = redact(v)

	out := v.(map[string]any)
	out[MetadataKey] = map[string]any{
		"timestamp":         s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"vendor":            string(vendor),
		"processor_version": Version,
	}

	encoded, err := encode(out)
	if err != nil {
		return raw
	}
	return encoded
}

// Hash returns the hex sha256 fingerprint of a payload
func Hash(raw json.RawMessage) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func encode(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func trim(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = trim(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = trim(item)
		}
		return out
	default:
		return v
	}
}

// elide drops object keys holding null or "". Array elements are kept as they are.
func elide(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = elide(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if item == nil || item == "" {
				continue
			}
			out[k] = elide(item)
		}
		return out
	default:
		return v
	}
}

func redact(v any) any {
	switch t := v.(type) {
	case string:
		return maskContent(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redact(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if mask, sensitive := classifyKey(k); sensitive {
				out[k] = mask
				continue
			}
			out[k] = redact(item)
		}
		return out
	default:
		return v
	}
}

// classifyKey returns the placeholder for a key that names sensitive data
func classifyKey(key string) (string, bool) {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeys {
		if !strings.Contains(lower, marker) {
			continue
		}
		if strings.Contains(lower, "ssn") || strings.Contains(lower, "social_security") {
			return MaskSSN, true
		}
		return MaskPII, true
	}
	return "", false
}

func maskContent(s string) string {
	s = emailPattern.ReplaceAllString(s, MaskEmail)
	s = phonePattern.ReplaceAllString(s, MaskPhone)
	return ssnPattern.ReplaceAllString(s, MaskSSN)
}
