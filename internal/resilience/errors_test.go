package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input"), false},
		{"explicit", NewTransientError(errors.New("rate limited"), 429), true},
		{"wrapped", fmt.Errorf("score: %w", NewTransientError(errors.New("x"), 503)), true},
		{"deadline", fmt.Errorf("score: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"pattern", errors.New("API Overloaded, try later"), true},
		{"io timeout", errors.New("read tcp 10.0.0.1: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("upstream 503")
	te := NewTransientError(inner, 503)
	assert.Equal(t, "upstream 503", te.Error())
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "transient", ClassifyError(te))
	assert.Equal(t, "permanent", ClassifyError(errors.New("bad")))
}
