package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/distproxy/internal/config"
	"github.com/koltyakov/distproxy/internal/debughttp"
	ilog "github.com/koltyakov/distproxy/internal/log"
	"github.com/koltyakov/distproxy/internal/node"
	"github.com/koltyakov/distproxy/internal/token"
)

func runNode(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseNodeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "node config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	key, err := token.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "node config error:", err)
		return 2
	}
	codec, err := token.NewCodec(key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "node config error:", err)
		return 2
	}

	if _, err := debughttp.StartPprofServer(ctx, cfg.PprofListen, logger, "node"); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	n := node.New(cfg, codec, node.NewAllowList(cfg.AllowedHosts), logger, node.Options{})
	if err := n.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "node error:", err)
		return 1
	}
	return 0
}
