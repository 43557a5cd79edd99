package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/btcsuite/btcd/txscript"
	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-mcp/httpserver"
	"github.com/barebitcoin/btc-mcp/httpserver/logging"
	"github.com/barebitcoin/btc-mcp/mcpserver"
	"github.com/barebitcoin/btc-mcp/rpclog"
	"github.com/barebitcoin/btc-mcp/tools"
)

func realMain(cfg *config) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		signal := <-sig
		zerolog.Ctx(ctx).Info().
			Stringer("signal", signal).
			Msg("received signal, canceling context")
		cancel(fmt.Errorf("received %s signal", signal))
	}()

	txscript.UseLogger(rpclog.New(*zerolog.Ctx(ctx), "TXSC"))

	dispatcher, err := tools.New(tools.Config{DefaultNetwork: cfg.Network})
	if err != nil {
		return fmt.Errorf("new dispatcher: %w", err)
	}

	switch cfg.Transport {
	case transportHTTP:
		return serveHTTP(ctx, cfg, dispatcher)
	default:
		srv, err := mcpserver.New(ctx, dispatcher, version())
		if err != nil {
			return fmt.Errorf("new mcp server: %w", err)
		}
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	}
}

func serveHTTP(ctx context.Context, cfg *config, dispatcher *tools.Dispatcher) error {
	srv := httpserver.New(dispatcher, logging.MiddlewareConf{})

	errs := make(chan error)

	go func() {
		if err := srv.Serve(ctx, cfg.Listen); err != nil {
			errs <- err
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Shutdown(ctx)

		errs <- context.Cause(ctx)
	}()

	return <-errs
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

func main() {
	ctx := context.Background()

	cfg, err := readConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read config: %s\n", err)
		os.Exit(1)
	}

	// important: this is only usable AFTER readConfig has been called
	log := zerolog.Ctx(ctx)

	if info, ok := debug.ReadBuildInfo(); ok {
		log.Info().
			Str("go", info.GoVersion).
			Str("vcs.sha", findSetting("vcs.revision", info.Settings)).
			Str("vcs.modified", findSetting("vcs.modified", info.Settings)).
			Str("transport", cfg.Transport).
			Str("network", cfg.Network).
			Msgf("starting %s", os.Args[0])
	}

	if err := realMain(cfg); err != nil {
		log.Fatal().Err(err).Msg("main: received error")
	}
	log.Info().Msgf("main: exiting with 0 code")
}

func findSetting(key string, settings []debug.BuildSetting) string {
	for _, setting := range settings {
		if setting.Key == key {
			return setting.Value
		}
	}

	return "unknown"
}
