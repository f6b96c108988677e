package dlq

import "strings"

// Error types recorded on audit rows and counted per category. These are
// the labels operators filter dashboards by, so they stay coarse.
const (
	ErrorTypeConnectivity    = "connectivity"
	ErrorTypeDataFormat      = "data_format"
	ErrorTypeSecurity        = "security"
	ErrorTypeResourceMissing = "resource_missing"
	ErrorTypeResourceLimit   = "resource_limit"
	ErrorTypeUnknown         = "unknown"
)

// Classify maps an error message onto an error category by substring.
// First match wins; order runs from the most specific signal down.
func Classify(errorMsg string) string {
	if errorMsg == "" {
		return ErrorTypeUnknown
	}

	lower := strings.ToLower(errorMsg)

	switch {
	case strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "401") ||
		strings.Contains(lower, "403"):
		return ErrorTypeSecurity
	case strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "no such") ||
		strings.Contains(lower, "404"):
		return ErrorTypeResourceMissing
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "capacity") ||
		strings.Contains(lower, "429"):
		return ErrorTypeResourceLimit
	case strings.Contains(lower, "connection") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "refused") ||
		strings.Contains(lower, "unreachable") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "dial") ||
		strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "503"):
		return ErrorTypeConnectivity
	case strings.Contains(lower, "unmarshal") ||
		strings.Contains(lower, "marshal") ||
		strings.Contains(lower, "decode") ||
		strings.Contains(lower, "serialization") ||
		strings.Contains(lower, "invalid") ||
		strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "parse"):
		return ErrorTypeDataFormat
	default:
		return ErrorTypeUnknown
	}
}
