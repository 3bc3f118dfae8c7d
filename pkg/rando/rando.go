package rando

import (
	"crypto/rand"
	"math/big"
)

const alphaNum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// StrongRandomBytes returns nBytes of random data from a crypto-strength RNG.
// Failure to read from the RNG is not recoverable, so we panic.
func StrongRandomBytes(nBytes int) []byte {
	buf := make([]byte, nBytes)
	if n, err := rand.Read(buf); n != nBytes || err != nil {
		panic("Unable to generate random bytes")
	}
	return buf
}

// StrongRandomAlphaNumChars returns a random string of a-z, A-Z, 0-9
func StrongRandomAlphaNumChars(nChars int) string {
	max := big.NewInt(int64(len(alphaNum)))
	out := make([]byte, nChars)
	for i := 0; i < nChars; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("Unable to generate random characters")
		}
		out[i] = alphaNum[idx.Int64()]
	}
	return string(out)
}
