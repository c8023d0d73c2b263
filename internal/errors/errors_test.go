package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayError_Error(t *testing.T) {
	assert.Equal(t, "gateway error NOT_PAIRED: pair this device first",
		NewGatewayError(CodeNotPaired, "pair this device first").Error())
	assert.Equal(t, "gateway error TIMEOUT",
		NewGatewayError(CodeTimeout, "").Error())
}

func TestGatewayError_SentinelMapping(t *testing.T) {
	assert.ErrorIs(t, NewGatewayError(CodeNotPaired, "x"), ErrNotPaired)
	assert.ErrorIs(t, NewGatewayError(CodeDisconnected, "x"), ErrClosed)
	assert.ErrorIs(t, NewGatewayError(CodeTimeout, "x"), ErrTimeout)
	assert.NotErrorIs(t, NewGatewayError("SOMETHING_ELSE", "x"), ErrNotPaired)
}

func TestGatewayError_MappedThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", NewGatewayError(CodeNotPaired, "x"))
	assert.ErrorIs(t, wrapped, ErrNotPaired)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", ErrTimeout, true},
		{"closed", ErrClosed, true},
		{"unavailable", ErrUnavailable, true},
		{"not connected", ErrNotConnected, true},
		{"not paired", ErrNotPaired, false},
		{"auth failure", ErrAuthFailure, false},
		{"invalid input", ErrInvalidInput, false},
		{"generic", errors.New("nope"), false},
		{"gateway disconnected code", NewGatewayError(CodeDisconnected, ""), true},
		{"gateway not paired code", NewGatewayError(CodeNotPaired, ""), false},
		{"wrapped timeout", fmt.Errorf("req: %w", ErrTimeout), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
