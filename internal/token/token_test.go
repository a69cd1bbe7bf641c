package token

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func newTestCodec(t *testing.T, key []byte) *Codec {
	t.Helper()
	c, err := NewCodec(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMintVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, testKey(1))
	tok, err := c.Mint(Sentinel, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c.Verify(tok)
	if !ok || got != Sentinel {
		t.Fatalf("expected %q, got %q ok=%v", Sentinel, got, ok)
	}
	if !c.VerifySentinel(tok) {
		t.Fatal("expected sentinel token to verify")
	}
}

func TestMintUsesFreshIV(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, testKey(2))
	a, _ := c.Mint("x", time.Minute)
	b, _ := c.Mint("x", time.Minute)
	if a == b {
		t.Fatal("expected distinct tokens for identical payloads")
	}
	if a[:ivHexLen] == b[:ivHexLen] {
		t.Fatal("expected distinct IV fields")
	}
	if strings.ToLower(a) != a {
		t.Fatalf("expected lower-case hex token, got %q", a)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, testKey(3))
	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }

	tok, err := c.Mint("payload", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return base.Add(9 * time.Second) }
	if _, ok := c.Verify(tok); !ok {
		t.Fatal("expected token to be valid before expiry")
	}
	c.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, ok := c.Verify(tok); ok {
		t.Fatal("expected token to be invalid at expiry")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	t.Parallel()

	mint := newTestCodec(t, testKey(4))
	other := newTestCodec(t, testKey(5))
	for i := 0; i < 50; i++ {
		tok, err := mint.Mint(Sentinel, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := other.Verify(tok); ok {
			t.Fatalf("token %q verified under a different key", tok)
		}
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, testKey(6))
	good, _ := c.Mint("data", time.Hour)

	tests := map[string]string{
		"empty":            "",
		"iv only":          good[:ivHexLen],
		"non hex iv":       strings.Repeat("z", ivHexLen) + good[ivHexLen:],
		"non hex body":     good[:ivHexLen] + "zz",
		"partial block":    good[:len(good)-2],
		"truncated":        good[:ivHexLen+32],
		"plain text":       "proxy auth ok",
		"flipped last hex": good[:len(good)-1] + flipHex(good[len(good)-1]),
	}
	for name, tok := range tests {
		if _, ok := c.Verify(tok); ok {
			t.Fatalf("%s: expected malformed token to be rejected", name)
		}
	}
}

func TestVerifyRejectsEmptyData(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, testKey(7))
	tok, err := c.Mint("", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Verify(tok); ok {
		t.Fatal("expected token without data to be rejected")
	}
}

func TestVerifySentinelRejectsOtherPayload(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, testKey(8))
	tok, _ := c.Mint("something else", time.Hour)
	if c.VerifySentinel(tok) {
		t.Fatal("expected non-sentinel payload to fail sentinel check")
	}
}

func TestNewCodecRejectsBadKeyLength(t *testing.T) {
	t.Parallel()

	if _, err := NewCodec([]byte("short")); err == nil {
		t.Fatal("expected error for invalid key length")
	}
}

func flipHex(b byte) string {
	if b == '0' {
		return "1"
	}
	return "0"
}
