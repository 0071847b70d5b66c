package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestHashIsSalted(t *testing.T) {
	a, err := HashPassword("same password")
	require.NoError(t, err)
	b, err := HashPassword("same password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, VerifyPassword("same password", a))
	assert.True(t, VerifyPassword("same password", b))
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	assert.False(t, VerifyPassword("pw", ""))
	assert.False(t, VerifyPassword("pw", "no-separator"))
	assert.False(t, VerifyPassword("pw", "!!!$!!!"))
}
