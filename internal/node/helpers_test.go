package node

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"net"
	"testing"
	"time"

	"github.com/koltyakov/distproxy/internal/log"
	"github.com/koltyakov/distproxy/internal/token"
)

func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()
	key := make([]byte, token.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	codec, err := token.NewCodec(key)
	if err != nil {
		t.Fatal(err)
	}
	return codec
}

func mint(t *testing.T, codec *token.Codec, ttl time.Duration) string {
	t.Helper()
	tok, err := codec.Mint(token.Sentinel, ttl)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func basicAuth(password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("username:"+password))
}

func newTestGuard(t *testing.T, policy HostPolicy) (*guard, *token.Codec) {
	t.Helper()
	codec := newTestCodec(t)
	if policy == nil {
		policy = NewAllowList(nil)
	}
	return &guard{codec: codec, policy: policy}, codec
}

// startEcho runs a TCP server that echoes every byte back.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

var testLog = log.Discard()
