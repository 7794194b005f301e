package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "generic failure", err: fmt.Errorf("db timeout"), retryable: true},
		{name: "contended claim", err: fmt.Errorf("message m-1: %w", ErrAlreadyClaimed), retryable: true},
		{name: "malformed delivery", err: fmt.Errorf("%w: missing job id", ErrMalformedDelivery), retryable: false},
		{name: "validation failure", err: &ValidationError{Field: "payload", Reason: "empty"}, retryable: false},
		{name: "wrapped validation failure", err: fmt.Errorf("process: %w", &ValidationError{Field: "x", Reason: "y"}), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
