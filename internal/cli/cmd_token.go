package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/koltyakov/distproxy/internal/token"
)

func keyFileDefault() string {
	if v := strings.TrimSpace(os.Getenv("DISTPROXY_KEY_FILE")); v != "" {
		return v
	}
	return token.DefaultKeyFile
}

// runKeygen makes sure a key file exists, creating it when missing.
func runKeygen(args []string, out io.Writer) int {
	loadEnvFromDotEnv(".env")

	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keyFile := fs.String("key-file", keyFileDefault(), "Token key file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := token.LoadOrCreateKey(*keyFile); err != nil {
		fmt.Fprintln(os.Stderr, "keygen error:", err)
		return 1
	}
	fmt.Fprintln(out, "key ready:", *keyFile)
	return 0
}

// runToken mints a token for clients, or verifies one with --verify.
func runToken(args []string, out io.Writer) int {
	loadEnvFromDotEnv(".env")

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	keyFile := fs.String("key-file", keyFileDefault(), "Token key file")
	ttl := fs.Duration("ttl", token.DefaultTTL, "Token lifetime")
	data := fs.String("data", token.Sentinel, "Payload to embed")
	verify := fs.String("verify", "", "Verify this token instead of minting one")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	codec, err := loadCodec(*keyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 2
	}

	if *verify != "" {
		payload, ok := codec.Verify(strings.TrimSpace(*verify))
		if !ok {
			fmt.Fprintln(os.Stderr, "token invalid or expired")
			return 1
		}
		fmt.Fprintln(out, payload)
		return 0
	}

	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "token error: ttl must be > 0")
		return 2
	}
	tok, err := codec.Mint(*data, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 1
	}
	fmt.Fprintln(out, tok)
	return 0
}

func loadCodec(keyFile string) (*token.Codec, error) {
	if strings.TrimSpace(keyFile) == "" {
		return nil, errors.New("missing --key-file")
	}
	key, err := token.LoadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	return token.NewCodec(key)
}

