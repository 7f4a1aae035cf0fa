package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	tm := NewTokenManager("secret", "librarylend", time.Hour)
	tok, exp, err := tm.Issue("alice", "Admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := tm.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Admin", claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestParseRejects(t *testing.T) {
	tm := NewTokenManager("secret", "librarylend", time.Hour)
	tok, _, err := tm.Issue("alice", "Member")
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokenManager("other", "librarylend", time.Hour).Parse(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("wrong issuer", func(t *testing.T) {
		_, err := NewTokenManager("secret", "someone-else", time.Hour).Parse(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("expired", func(t *testing.T) {
		late := NewTokenManager("secret", "librarylend", time.Hour)
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := late.Parse(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := tm.Parse("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
