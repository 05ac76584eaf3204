package trunkline

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"

	"github.com/telopt/trunkline/pkg/utils"
)

const challengeLen = 10

// newChallenge produces a challenge string for an AUTHREQ/REGAUTH.
func newChallenge() string {
	return utils.RandomizedDigits(challengeLen)
}

// MD5AuthResponse computes the reply to an MD5 challenge: 32 lowercase hex
// digits of MD5(challenge || password).
func MD5AuthResponse(challenge, password string) string {
	sum := md5.Sum([]byte(challenge + password))
	return hex.EncodeToString(sum[:])
}

// CheckMD5AuthResponse verifies a received MD5_RESULT against a challenge
// and the stored password.
func CheckMD5AuthResponse(response, challenge, password string) bool {
	want := MD5AuthResponse(challenge, password)
	return subtle.ConstantTimeCompare([]byte(response), []byte(want)) == 1
}
