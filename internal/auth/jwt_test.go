package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateAccessToken(42, "alice", 3)
	require.NoError(t, err)

	parsed, err := VerifyJWT(token)
	require.NoError(t, err)

	userID, userName, version, err := GetDataFromToken(parsed)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), userID)
	assert.Equal(t, "alice", userName)
	assert.Equal(t, uint64(3), version)
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	SetSecret("one")
	token, err := GenerateRefreshToken(1, "bob", 0)
	require.NoError(t, err)

	SetSecret("two")
	_, err = VerifyJWT(token)
	assert.Error(t, err)
}

func TestVerifyJWT_Garbage(t *testing.T) {
	SetSecret("test-secret")
	_, err := VerifyJWT("not.a.token")
	assert.Error(t, err)
}
