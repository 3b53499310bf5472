package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)
	// Bare 8 or 9 digit runs are file numbers or unformatted SSNs.
	identifierPattern = regexp.MustCompile(`\b\d{8,9}\b`)
)

// MaskPIIString redacts identity values from free text before it is logged
// or written to an audit entry.
func MaskPIIString(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = ssnPattern.ReplaceAllString(masked, "***-**-****")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	masked = identifierPattern.ReplaceAllStringFunc(masked, maskIdentifier)
	return masked
}

// MaskPIIJSON applies MaskPIIString to every string in a JSON document.
// Payloads that are not valid JSON are masked as plain text.
func MaskPIIJSON(payload json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(payload)) == "" {
		return append(json.RawMessage(nil), payload...)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return json.RawMessage(MaskPIIString(string(payload)))
	}

	encoded, err := json.Marshal(maskValue(decoded))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = maskValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, maskValue(child))
		}
		return cloned
	case string:
		return MaskPIIString(typed)
	default:
		return value
	}
}

// maskIdentifier keeps the last four digits so operators can still correlate.
func maskIdentifier(value string) string {
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
