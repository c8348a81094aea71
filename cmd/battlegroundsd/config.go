package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/danmuck/battlegrounds/internal/server"
)

type fileConfig struct {
	ListenUDP            string   `toml:"listen_udp"`
	ListenWS             string   `toml:"listen_ws"`
	AdminAddr            string   `toml:"admin_addr"`
	CORSOrigins          []string `toml:"cors_origins"`
	Workers              int      `toml:"workers"`
	IdleTimeout          string   `toml:"idle_timeout"`
	RetransmitInterval   string   `toml:"retransmit_interval"`
	RetransmitIntervalMS int64    `toml:"retransmit_interval_ms"`
	MaxRetries           int      `toml:"max_retries"`
	MoveBuffer           int      `toml:"move_buffer"`
	PropAckPolicy        string   `toml:"prop_ack_policy"`
	ReservedMovementBits string   `toml:"reserved_movement_bits"`
	InterestRadius       float64  `toml:"interest_radius"`
	EndpointPolicy       string   `toml:"endpoint_policy"`
	WorldFile            string   `toml:"world_file"`
	AccountsFile         string   `toml:"accounts_file"`
	LogFile              string   `toml:"log_file"`
}

// daemonConfig is the service config plus the files the daemon loads.
type daemonConfig struct {
	Service      server.ServiceConfig
	WorldFile    string
	AccountsFile string
	LogFile      string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Service:      server.DefaultServiceConfig(),
		WorldFile:    "world.toml",
		AccountsFile: "accounts.toml",
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("listen_udp") {
		cfg.Service.ListenUDP = strings.TrimSpace(raw.ListenUDP)
	}
	if meta.IsDefined("listen_ws") {
		cfg.Service.ListenWS = strings.TrimSpace(raw.ListenWS)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Service.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Service.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("workers") {
		cfg.Service.Workers = raw.Workers
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Service.IdleTimeout = d
	}

	if meta.IsDefined("retransmit_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetransmitInterval))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse retransmit_interval: %w", err)
		}
		cfg.Service.Session.Retry.Interval = d
	}
	if meta.IsDefined("retransmit_interval_ms") {
		cfg.Service.Session.Retry.Interval = time.Duration(raw.RetransmitIntervalMS) * time.Millisecond
	}

	if meta.IsDefined("max_retries") {
		cfg.Service.Session.Retry.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("move_buffer") {
		cfg.Service.Session.MoveBuffer = raw.MoveBuffer
	}
	if meta.IsDefined("prop_ack_policy") {
		cfg.Service.Session.PropAckPolicy = strings.ToLower(strings.TrimSpace(raw.PropAckPolicy))
	}
	if meta.IsDefined("reserved_movement_bits") {
		cfg.Service.Session.ReservedBits = session.ReservedBitsPolicy(strings.ToLower(strings.TrimSpace(raw.ReservedMovementBits)))
	}
	if meta.IsDefined("interest_radius") {
		cfg.Service.InterestRadius = raw.InterestRadius
	}
	if meta.IsDefined("endpoint_policy") {
		cfg.Service.EndpointPolicy = strings.ToLower(strings.TrimSpace(raw.EndpointPolicy))
	}

	if meta.IsDefined("world_file") {
		cfg.WorldFile = strings.TrimSpace(raw.WorldFile)
	}
	if meta.IsDefined("accounts_file") {
		cfg.AccountsFile = strings.TrimSpace(raw.AccountsFile)
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}

	// Data files are relative to the config file.
	dir := filepath.Dir(path)
	cfg.WorldFile = relativeTo(dir, cfg.WorldFile)
	cfg.AccountsFile = relativeTo(dir, cfg.AccountsFile)
	cfg.LogFile = relativeTo(dir, cfg.LogFile)

	if err := cfg.Service.WithDefaults().Validate(); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

func relativeTo(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
