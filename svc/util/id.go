package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength   = 11
	idRetries  = 5
)

// GenID mints a random base62 comment id and retries on the (remote)
// chance an existing row already uses it.
func GenID(exists func(string) (bool, error)) (string, error) {
	for attempt := 0; attempt < idRetries; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.Errorf("id collision after %d retries", idRetries)
}

func randomID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}
	n := new(big.Int).SetBytes(buf[:])
	base := big.NewInt(int64(len(idAlphabet)))
	digit := new(big.Int)

	out := make([]byte, idLength)
	for i := idLength - 1; i >= 0; i-- {
		n.DivMod(n, base, digit)
		out[i] = idAlphabet[digit.Int64()]
	}
	return string(out), nil
}
