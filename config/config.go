// Package config parses the supervisor's CLI flags and an optional JSON
// config file. CLI flags always win over the file.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package config

import (
	"flag"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nstrading/ns-tradechat/wire"
)

// Config is the fully resolved set of supervisor parameters.
type Config struct {
	Bind       string `json:"bind"`
	Port       uint16 `json:"port"`
	Workers    int    `json:"workers"`
	ShmName    string `json:"shm"`
	MaxBodyLen uint32 `json:"max_body_len"`
	AdminAddr  string `json:"admin_addr"`
	ConfigPath string `json:"-"`
}

// Default returns the baseline configuration before flags/file are applied.
func Default() Config {
	return Config{
		Bind:       "",
		Port:       9000,
		Workers:    4,
		ShmName:    "/ns_trading_chat",
		MaxBodyLen: wire.DefaultMaxBodyLen,
		AdminAddr:  "",
	}
}

// ParseArgs parses CLI args (excluding argv[0]) into a Config, applying an
// optional --config file first so explicit flags still win. Argument
// errors are the caller's responsibility to map to an exit code.
func ParseArgs(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("ns-tradechatd", flag.ContinueOnError)
	bind := fs.String("bind", cfg.Bind, "address to bind (default INADDR_ANY)")
	port := fs.Uint("port", uint(cfg.Port), "listening port")
	workers := fs.Int("workers", cfg.Workers, "worker process count (1..1024)")
	shm := fs.String("shm", cfg.ShmName, "shared-memory segment name")
	maxBody := fs.Uint("max-body-len", uint(cfg.MaxBodyLen), "maximum frame body length")
	adminAddr := fs.String("admin-addr", cfg.AdminAddr, "optional admin HTTP listen address, empty disables it")
	configPath := fs.String("config", "", "optional JSON config file; CLI flags still take precedence")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		fileCfg, err := loadFile(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = mergeFileDefaults(cfg, fileCfg)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.Bind = *bind
		case "port":
			cfg.Port = uint16(*port)
		case "workers":
			cfg.Workers = *workers
		case "shm":
			cfg.ShmName = *shm
		case "max-body-len":
			cfg.MaxBodyLen = uint32(*maxBody)
		case "admin-addr":
			cfg.AdminAddr = *adminAddr
		}
	})
	cfg.ConfigPath = *configPath

	if cfg.Workers < 1 || cfg.Workers > 1024 {
		return cfg, errors.Errorf("config: --workers must be in [1, 1024], got %d", cfg.Workers)
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	if err := jsoniter.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// mergeFileDefaults overlays non-zero fields from the file onto the default
// config, so later CLI-flag visits still override either.
func mergeFileDefaults(base, file Config) Config {
	if file.Bind != "" {
		base.Bind = file.Bind
	}
	if file.Port != 0 {
		base.Port = file.Port
	}
	if file.Workers != 0 {
		base.Workers = file.Workers
	}
	if file.ShmName != "" {
		base.ShmName = file.ShmName
	}
	if file.MaxBodyLen != 0 {
		base.MaxBodyLen = file.MaxBodyLen
	}
	if file.AdminAddr != "" {
		base.AdminAddr = file.AdminAddr
	}
	return base
}
