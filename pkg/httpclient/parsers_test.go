package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRateLimitHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
		want    RateLimitInfo
	}{
		{
			name:    "empty_headers",
			headers: http.Header{},
			want:    RateLimitInfo{},
		},
		{
			name: "retry_after_seconds",
			headers: http.Header{
				"Retry-After": []string{"30"},
			},
			want: RateLimitInfo{RetryAfter: 30 * time.Second},
		},
		{
			name: "remaining_counters",
			headers: http.Header{
				"X-Ratelimit-Remaining-Requests": []string{"12"},
				"X-Ratelimit-Remaining-Tokens":   []string{"4096"},
			},
			want: RateLimitInfo{RequestsRemaining: 12, TokensRemaining: 4096},
		},
		{
			name: "reset_tokens_preferred",
			headers: http.Header{
				"X-Ratelimit-Reset-Tokens":   []string{"1700000000"},
				"X-Ratelimit-Reset-Requests": []string{"1800000000"},
			},
			want: RateLimitInfo{ResetTime: 1700000000},
		},
		{
			name: "malformed_values_ignored",
			headers: http.Header{
				"Retry-After":                    []string{"soon"},
				"X-Ratelimit-Remaining-Requests": []string{"many"},
			},
			want: RateLimitInfo{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRateLimitHeaders(tt.headers)
			if got != tt.want {
				t.Errorf("ParseRateLimitHeaders() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRetryableError_Error(t *testing.T) {
	err := &RetryableError{
		StatusCode: http.StatusTooManyRequests,
		Message:    "max HTTP retries (5) exceeded",
		RetryAfter: 2 * time.Second,
	}
	want := "HTTP 429: max HTTP retries (5) exceeded (retry after 2s)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &RetryableError{StatusCode: 500, Message: "boom"}
	if bare.Error() != "HTTP 500: boom" {
		t.Errorf("Error() = %q, want %q", bare.Error(), "HTTP 500: boom")
	}
}
