package utils

import "math/rand"

var letters = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

var digits = []byte("0123456789")

// RandomizedStr returns a random letter string of len strLen
// probability of all the letters will not be exactly the same
func RandomizedStr(strLen int) string {
	b := make([]byte, strLen)
	for i := range b {
		b[i] = letters[rand.Int63()%int64(len(letters))]
	}
	return string(b)
}

// RandomizedDigits returns a random digit string of len strLen, the shape
// peers expect for authentication challenges.
func RandomizedDigits(strLen int) string {
	b := make([]byte, strLen)
	for i := range b {
		b[i] = digits[rand.Int63()%int64(len(digits))]
	}
	return string(b)
}
