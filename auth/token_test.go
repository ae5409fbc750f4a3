package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens([]byte("secret"), time.Hour)

	tok, err := tokens.Issue(7, 42)
	require.NoError(t, err)
	assert.NoError(t, tokens.Verify(tok, 7, 42))
}

func TestTokenBoundToRoomAndUser(t *testing.T) {
	tokens := NewTokens([]byte("secret"), time.Hour)
	tok, err := tokens.Issue(7, 42)
	require.NoError(t, err)

	assert.ErrorIs(t, tokens.Verify(tok, 7, 43), ErrInvalidToken)
	assert.ErrorIs(t, tokens.Verify(tok, 8, 42), ErrInvalidToken)
	assert.ErrorIs(t, tokens.Verify("garbage", 7, 42), ErrInvalidToken)

	other := NewTokens([]byte("other"), time.Hour)
	assert.ErrorIs(t, other.Verify(tok, 7, 42), ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	tokens := NewTokens([]byte("secret"), time.Minute)
	base := time.Now()
	tokens.now = func() time.Time { return base }

	tok, err := tokens.Issue(1, 1)
	require.NoError(t, err)

	tokens.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.ErrorIs(t, tokens.Verify(tok, 1, 1), ErrExpiredToken)
}
