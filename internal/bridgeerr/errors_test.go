package bridgeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := InvalidInput("empty identifier")
	assert.Equal(t, "invalid_input: empty identifier", err.Error())

	wrapped := Storage("open failed", errors.New("disk full"))
	assert.Contains(t, wrapped.Error(), "disk full")
	assert.Contains(t, wrapped.Error(), "storage")
}

func TestIsMatchesKind(t *testing.T) {
	err := SessionNotFound("no session for peer")
	assert.True(t, Is(err, KindSessionNotFound))
	assert.False(t, Is(err, KindProtocol))
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	inner := KeyDerivation("hkdf expansion failed", nil)
	wrapped := fmt.Errorf("bootstrap: %w", inner)
	assert.True(t, Is(wrapped, KindKeyDerivation))
}

func TestIsFalseForPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), KindStorage))
	assert.False(t, Is(nil, KindStorage))
}
