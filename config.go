package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

type config struct {
	Network   string    `long:"network" description:"default network for calls that do not name one" default:"testnet" choice:"mainnet" choice:"testnet" choice:"regtest"`
	Transport string    `long:"transport" description:"how tools are served" default:"stdio" choice:"stdio" choice:"http"`
	Listen    string    `long:"listen" description:"interface:port for the HTTP transport" default:"localhost:8383"`
	Log       logConfig `group:"log" namespace:"log"`
}

type logConfig struct {
	JSON  bool   `long:"json" description:"log JSON to stderr instead of human-readable lines"`
	Level string `long:"level" description:"minimum log level" default:"info"`
}

func readConfig(ctx context.Context) (*config, error) {
	var cfg config
	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if err := configureLogging(&cfg.Log); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("network", cfg.Network).
		Str("transport", cfg.Transport).
		Msg("read config")

	return &cfg, nil
}
