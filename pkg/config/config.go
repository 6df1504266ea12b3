// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads proxychain's runtime settings from an optional
// YAML file overlaid with environment variables (file values are
// defaults, env vars and CLI flags win), grounded on the YAML-plus-env
// layering used for the rest of the corpus's config loaders.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envListenAddr        = "PROXYCHAIN_LISTEN_ADDR"
	envServerType        = "PROXYCHAIN_SERVER_TYPE"
	envTLSCert           = "PROXYCHAIN_TLS_CERT"
	envTLSKey            = "PROXYCHAIN_TLS_KEY"
	envRealm             = "PROXYCHAIN_REALM"
	envDialTimeout       = "PROXYCHAIN_DIAL_TIMEOUT"
	envReadHeaderTimeout = "PROXYCHAIN_READ_HEADER_TIMEOUT"
	envShutdownTimeout   = "PROXYCHAIN_SHUTDOWN_TIMEOUT"
	envAnonymizerLowPort = "PROXYCHAIN_ANONYMIZER_PORT_LOW"
	envAnonymizerHiPort  = "PROXYCHAIN_ANONYMIZER_PORT_HIGH"
	envMetricsAddr       = "PROXYCHAIN_METRICS_ADDR"
	envLogLevel          = "PROXYCHAIN_LOG_LEVEL"

	defaultListenAddr        = "127.0.0.1:8080"
	defaultServerType        = "http"
	defaultRealm             = "proxychain"
	defaultDialTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 2 * time.Minute
	defaultShutdownTimeout   = 10 * time.Second
	defaultAnonymizerLowPort = 20000
	defaultAnonymizerHiPort  = 20100
	defaultMetricsAddr       = "127.0.0.1:9090"
	defaultLogLevel          = "info"
)

// Config captures runtime settings for the proxy engine, the
// anonymizer pool, and the metrics listener.
type Config struct {
	ListenAddr string
	ServerType string // "http" or "https"
	TLSCert    string
	TLSKey     string

	Realm string

	DialTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	AnonymizerPortLow  int
	AnonymizerPortHigh int

	MetricsAddr string
	LogLevel    string
}

// fileOverlay is the subset of Config a YAML file may set.
type fileOverlay struct {
	ListenAddr         string `yaml:"listen_addr"`
	ServerType         string `yaml:"server_type"`
	TLSCert            string `yaml:"tls_cert"`
	TLSKey             string `yaml:"tls_key"`
	Realm              string `yaml:"realm"`
	DialTimeout        string `yaml:"dial_timeout"`
	ReadHeaderTimeout  string `yaml:"read_header_timeout"`
	ShutdownTimeout    string `yaml:"shutdown_timeout"`
	AnonymizerPortLow  int    `yaml:"anonymizer_port_low"`
	AnonymizerPortHigh int    `yaml:"anonymizer_port_high"`
	MetricsAddr        string `yaml:"metrics_addr"`
	LogLevel           string `yaml:"log_level"`
}

// Load builds a Config from defaults, an optional YAML file at
// filePath (skipped entirely when filePath is empty), and environment
// variables, in that increasing order of precedence.
func Load(filePath string) (Config, error) {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		ServerType:         defaultServerType,
		Realm:              defaultRealm,
		DialTimeout:        defaultDialTimeout,
		ReadHeaderTimeout:  defaultReadHeaderTimeout,
		ShutdownTimeout:    defaultShutdownTimeout,
		AnonymizerPortLow:  defaultAnonymizerLowPort,
		AnonymizerPortHigh: defaultAnonymizerHiPort,
		MetricsAddr:        defaultMetricsAddr,
		LogLevel:           defaultLogLevel,
	}

	if filePath != "" {
		overlay, err := loadFile(filePath)
		if err != nil {
			return Config{}, err
		}
		if overlay != nil {
			applyOverlay(&cfg, overlay)
		}
	}

	cfg.ListenAddr = getString(envListenAddr, cfg.ListenAddr)
	cfg.ServerType = getString(envServerType, cfg.ServerType)
	cfg.TLSCert = getString(envTLSCert, cfg.TLSCert)
	cfg.TLSKey = getString(envTLSKey, cfg.TLSKey)
	cfg.Realm = getString(envRealm, cfg.Realm)
	cfg.DialTimeout = getDuration(envDialTimeout, cfg.DialTimeout)
	cfg.ReadHeaderTimeout = getDuration(envReadHeaderTimeout, cfg.ReadHeaderTimeout)
	cfg.ShutdownTimeout = getDuration(envShutdownTimeout, cfg.ShutdownTimeout)
	cfg.AnonymizerPortLow = getInt(envAnonymizerLowPort, cfg.AnonymizerPortLow)
	cfg.AnonymizerPortHigh = getInt(envAnonymizerHiPort, cfg.AnonymizerPortHigh)
	cfg.MetricsAddr = getString(envMetricsAddr, cfg.MetricsAddr)
	cfg.LogLevel = strings.ToLower(getString(envLogLevel, cfg.LogLevel))

	if cfg.ServerType != "http" && cfg.ServerType != "https" {
		return Config{}, fmt.Errorf("invalid server type %q: must be 'http' or 'https'", cfg.ServerType)
	}
	if cfg.ServerType == "https" && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return Config{}, fmt.Errorf("server type https requires both %s and %s", envTLSCert, envTLSKey)
	}
	if cfg.AnonymizerPortLow > cfg.AnonymizerPortHigh {
		return Config{}, fmt.Errorf("anonymizer port range is empty: low %d > high %d", cfg.AnonymizerPortLow, cfg.AnonymizerPortHigh)
	}

	return cfg, nil
}

func loadFile(path string) (*fileOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &overlay, nil
}

func applyOverlay(cfg *Config, o *fileOverlay) {
	if o.ListenAddr != "" {
		cfg.ListenAddr = o.ListenAddr
	}
	if o.ServerType != "" {
		cfg.ServerType = o.ServerType
	}
	if o.TLSCert != "" {
		cfg.TLSCert = o.TLSCert
	}
	if o.TLSKey != "" {
		cfg.TLSKey = o.TLSKey
	}
	if o.Realm != "" {
		cfg.Realm = o.Realm
	}
	if d, err := time.ParseDuration(o.DialTimeout); err == nil {
		cfg.DialTimeout = d
	}
	if d, err := time.ParseDuration(o.ReadHeaderTimeout); err == nil {
		cfg.ReadHeaderTimeout = d
	}
	if d, err := time.ParseDuration(o.ShutdownTimeout); err == nil {
		cfg.ShutdownTimeout = d
	}
	if o.AnonymizerPortLow != 0 {
		cfg.AnonymizerPortLow = o.AnonymizerPortLow
	}
	if o.AnonymizerPortHigh != 0 {
		cfg.AnonymizerPortHigh = o.AnonymizerPortHigh
	}
	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
