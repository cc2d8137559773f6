// Package cipher implements the Vigenère transform shared by the server and
// the client. The transform is part of the wire contract: both sides must
// shift in the same direction, preserve case and pass non-letters through.
package cipher

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyKey is returned when the key has no characters.
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrNonAlphabeticKey is returned when the key contains a byte outside A-Z / a-z.
	ErrNonAlphabeticKey = errors.New("key contains non-alphabetic character")
)

// KeyError describes the first offending byte of an invalid key.
type KeyError struct {
	Char     byte
	Position int
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key contains non-alphabetic character '%c' at position %d", e.Char, e.Position)
}

func (e *KeyError) Unwrap() error {
	return ErrNonAlphabeticKey
}

// ValidateKey checks that key is non-empty and purely ASCII alphabetic.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	for i, c := range key {
		if !isAlpha(c) {
			return &KeyError{Char: c, Position: i}
		}
	}
	return nil
}

// Transform applies the cipher to text and returns a new slice of the same
// length. The key cursor starts at zero and only advances on letters, so
// punctuation and whitespace never consume a key position.
func Transform(text, key []byte, encrypt bool) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	out := make([]byte, len(text))
	j := 0
	for i, c := range text {
		if !isAlpha(c) {
			out[i] = c
			continue
		}

		shift := int(toLower(key[j%len(key)]) - 'a')
		if !encrypt {
			shift = -shift
		}

		base := byte('a')
		if isUpper(c) {
			base = 'A'
		}
		out[i] = base + byte((int(c-base)+shift+26)%26)
		j++
	}
	return out, nil
}

// Encrypt is Transform in encrypt mode for strings.
func Encrypt(text, key string) (string, error) {
	out, err := Transform([]byte(text), []byte(key), true)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt is Transform in decrypt mode for strings.
func Decrypt(text, key string) (string, error) {
	out, err := Transform([]byte(text), []byte(key), false)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isAlpha(c byte) bool { return isUpper(c) || isLower(c) }

func toLower(c byte) byte {
	if isUpper(c) {
		return c + ('a' - 'A')
	}
	return c
}
