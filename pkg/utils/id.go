package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const (
	peerIDLength   = 9
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var base36Radix = big.NewInt(int64(len(base36Alphabet)))

// GeneratePeerID returns a 9-character lowercase base-36 token. It is short
// enough to read out loud or encode in a QR code.
func GeneratePeerID() string {
	b := make([]byte, peerIDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, base36Radix)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic(err)
		}
		b[i] = base36Alphabet[n.Int64()]
	}
	return string(b)
}

// GenerateConnectionID identifies one data connection or media call.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateRecordingID identifies one recording session.
func GenerateRecordingID() string {
	return "rec_" + uuid.NewString()
}
