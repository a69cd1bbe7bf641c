// Package token implements the stateless auth tokens shared by the registry
// and proxy nodes: an AES-CBC encrypted JSON payload carrying its own
// absolute expiry.
package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTTL applies when callers have no better lifetime in mind.
	DefaultTTL = 24 * time.Hour

	// Sentinel is the payload both sides treat as "authenticated".
	Sentinel = "proxy auth ok"

	ivHexLen = 2 * aes.BlockSize
)

type payload struct {
	Data     string `json:"data"`
	ExpireAt int64  `json:"expireAt"`
}

// Codec mints and verifies tokens under one secret key.
type Codec struct {
	block cipher.Block
	now   func() time.Time
}

// NewCodec returns a codec for key, which must be 16, 24 or 32 bytes long.
func NewCodec(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	return &Codec{block: block, now: time.Now}, nil
}

// Mint encrypts data with an expiry of now+ttl. Every call uses a fresh IV.
func (c *Codec) Mint(data string, ttl time.Duration) (string, error) {
	plain, err := json.Marshal(payload{Data: data, ExpireAt: c.now().Add(ttl).UnixMilli()})
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("token iv: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + hex.EncodeToString(out), nil
}

// Verify returns the payload data of a valid, unexpired token. Any defect in
// the token reports ok=false; Verify never panics on attacker input.
func (c *Codec) Verify(tok string) (string, bool) {
	data, err := c.open(tok)
	if err != nil {
		return "", false
	}
	return data, true
}

// VerifySentinel reports whether tok is valid and carries [Sentinel].
func (c *Codec) VerifySentinel(tok string) bool {
	data, ok := c.Verify(tok)
	return ok && data == Sentinel
}

var errMalformed = errors.New("malformed token")

func (c *Codec) open(tok string) (string, error) {
	if len(tok) <= ivHexLen {
		return "", errMalformed
	}
	iv, err := hex.DecodeString(tok[:ivHexLen])
	if err != nil {
		return "", errMalformed
	}
	sealed, err := hex.DecodeString(tok[ivHexLen:])
	if err != nil || len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return "", errMalformed
	}

	plain := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, sealed)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return "", errMalformed
	}
	if p.Data == "" || p.ExpireAt == 0 {
		return "", errMalformed
	}
	if p.ExpireAt <= c.now().UnixMilli() {
		return "", errors.New("token expired")
	}
	return p.Data, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errMalformed
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errMalformed
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errMalformed
		}
	}
	return b[:len(b)-n], nil
}
