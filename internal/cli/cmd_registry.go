package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/distproxy/internal/config"
	"github.com/koltyakov/distproxy/internal/debughttp"
	ilog "github.com/koltyakov/distproxy/internal/log"
	"github.com/koltyakov/distproxy/internal/registry"
)

func runRegistry(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseRegistryFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "registry config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if _, err := debughttp.StartPprofServer(ctx, cfg.PprofListen, logger, "registry"); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	reg, err := registry.New(cfg, logger, registry.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "registry error:", err)
		return 1
	}
	if err := reg.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "registry error:", err)
		return 1
	}
	return 0
}
