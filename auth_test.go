package trunkline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5AuthResponse(t *testing.T) {
	// md5("12345" + "secret"), 32 lowercase hex digits
	got := MD5AuthResponse("12345", "secret")
	assert.Equal(t, "d6bf7523a8407696bb9448d0d0fecca8", got)
	assert.Len(t, got, 32)
}

func TestCheckMD5AuthResponse(t *testing.T) {
	assert.True(t, CheckMD5AuthResponse("d6bf7523a8407696bb9448d0d0fecca8", "12345", "secret"))
	assert.False(t, CheckMD5AuthResponse("d6bf7523a8407696bb9448d0d0fecca8", "12345", "wrong"))
	assert.False(t, CheckMD5AuthResponse("", "12345", "secret"))
}

func TestNewChallenge(t *testing.T) {
	c := newChallenge()
	require.Len(t, c, challengeLen)
	for _, r := range c {
		assert.True(t, r >= '0' && r <= '9')
	}
}
