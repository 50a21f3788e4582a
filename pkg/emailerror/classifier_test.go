package emailerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNilError(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"throttled", errors.New("Throttling: maximum sending rate exceeded"), KindRateLimited, true},
		{"too many", errors.New("421 too many messages"), KindRateLimited, true},
		{"timeout", errors.New("dial tcp: i/o timeout"), KindConnectionError, true},
		{"refused", errors.New("connection refused"), KindConnectionError, true},
		{"auth word", errors.New("SMTP AUTH failed"), KindAuthError, false},
		{"bad credentials", errors.New("invalid credentials supplied"), KindAuthError, false},
		{"535 code", errors.New("535 5.7.8 username or password rejected"), KindAuthError, false},
		{"invalid recipient", errors.New("Invalid Recipient address"), KindInvalidRecipient, false},
		{"550 code", errors.New("550 5.1.1 user unknown"), KindInvalidRecipient, false},
		{"bounced", errors.New("message bounced by remote host"), KindBounced, false},
		{"rejected", errors.New("sender address rejected"), KindBounced, false},
		{"blocked", errors.New("IP blocked by policy"), KindBounced, false},
		{"unknown", errors.New("something odd happened"), KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.retryable, c.Retryable)
		})
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	c := Classify(errors.New("RATE LIMIT EXCEEDED"))
	assert.Equal(t, KindRateLimited, c.Kind)
}

func TestAuthWinsOverBounce(t *testing.T) {
	// "535 authentication rejected" contains both auth and bounce patterns.
	c := Classify(errors.New("535 authentication rejected"))
	assert.Equal(t, KindAuthError, c.Kind)
	assert.False(t, c.Retryable)
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("send failed: %w", base)
	c := Classify(wrapped)
	assert.Equal(t, KindConnectionError, c.Kind)
	assert.True(t, errors.Is(c, base))
	assert.Equal(t, wrapped.Error(), c.Error())
}
