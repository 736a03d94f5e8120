package ratelimit_test

import (
	"testing"

	"github.com/aditya-vk/limit-gate/internal/ratelimit"
)

func TestPolicyValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		maxRequests uint64
		windowMs    uint64
		wantErr     bool
	}{
		{"valid", 10, 60000, false},
		{"zero max_requests", 0, 60000, true},
		{"zero window", 10, 0, true},
		{"both zero", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ratelimit.NewPolicy(tt.maxRequests, tt.windowMs)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !ratelimit.IsPolicyError(err) {
				t.Fatalf("expected a policy error, got %v", err)
			}
		})
	}
}
