package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestIsQuotaStatus(t *testing.T) {
	for _, status := range []string{"quota_exceeded", "character_limit_reached"} {
		if !IsQuotaStatus(status) {
			t.Fatalf("IsQuotaStatus(%q) = false, want true", status)
		}
	}
	for _, status := range []string{"", "rate_limited", "internal_error"} {
		if IsQuotaStatus(status) {
			t.Fatalf("IsQuotaStatus(%q) = true, want false", status)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := time.Second
	cap := 8 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 8 * time.Second},
		{-1, time.Second},
	}
	for _, tc := range cases {
		if got := ExponentialBackoff(tc.attempt, base, cap); got != tc.want {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
