package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// IsRetryableProviderErrorType classifies error types reported inside a model
// provider's event stream.
func IsRetryableProviderErrorType(errorType string) bool {
	switch errorType {
	case "overloaded_error", "rate_limit_error", "api_error", "timeout_error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
