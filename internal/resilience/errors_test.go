package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped", fmt.Errorf("call: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("x"), 500), "llm: invoke"), true},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"pattern", errors.New("read: i/o timeout"), true},
		{"plain", errors.New("invalid input"), false},
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
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassTransient, Classify(NewTransientError(errors.New("x"), 502)))
	assert.Equal(t, ClassValidation, Classify(NewValidationError("triage", "{", errors.New("eof"))))
	assert.Equal(t, ClassPermanent, Classify(errors.New("400 bad request")))

	wrapped := eris.Wrap(NewValidationError("assess", "", errors.New("bad")), "pipeline: assess")
	assert.Equal(t, ClassValidation, Classify(wrapped))
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError("cluster", `{"groups":`, errors.New("unexpected end of JSON input"))
	assert.Equal(t, "cluster: invalid response: unexpected end of JSON input", err.Error())
	assert.True(t, IsValidation(err))
	assert.False(t, IsTransient(err))
}
