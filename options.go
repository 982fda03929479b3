package peerchat

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/exchange"
	"github.com/opd-ai/peerchat/handshake"
	"github.com/opd-ai/peerchat/transport"
)

// StoreKind selects the persistent store backend.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreRedis  StoreKind = "redis"
)

// Options contains configuration options for creating a Node.
type Options struct {
	// ListenAddress is the UDP host:port to bind.
	ListenAddress string `yaml:"listen_address"`
	// Address is this node's hex protocol address. `peerchat init`
	// generates one.
	Address string `yaml:"address"`

	Store       StoreKind `yaml:"store"`
	DataDir     string    `yaml:"data_dir"`
	RedisURL    string    `yaml:"redis_url"`
	RedisPrefix string    `yaml:"redis_prefix"`

	SessionTTL          time.Duration `yaml:"session_ttl"`
	PendingTimeout      time.Duration `yaml:"pending_timeout"`
	ExchangeGrace       time.Duration `yaml:"exchange_grace"`
	TokenLifetime       time.Duration `yaml:"token_lifetime"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	KDF crypto.KDFParams `yaml:"kdf"`

	// RawSessionKey uses the raw ECDH output as the session key. Both
	// peers must agree on it.
	RawSessionKey bool `yaml:"raw_session_key"`
	// AutoExchange starts an exchange when a message has to be queued.
	AutoExchange bool `yaml:"auto_exchange"`

	ReplayCacheSize  int    `yaml:"replay_cache_size"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	LogLevel         string `yaml:"log_level"`
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddress:       "0.0.0.0:7443",
		Store:               StoreFile,
		DataDir:             "peerchat-data",
		RedisPrefix:         "peerchat",
		SessionTTL:          exchange.DefaultSessionTTL,
		PendingTimeout:      exchange.DefaultPendingTimeout,
		ExchangeGrace:       exchange.DefaultGrace,
		TokenLifetime:       handshake.Lifetime,
		MaintenanceInterval: 5 * time.Second,
		KDF:                 crypto.DefaultKDFParams(),
		AutoExchange:        true,
		ReplayCacheSize:     65536,
		MetricsNamespace:    "peerchat",
		LogLevel:            "info",
	}
}

// LoadOptions reads a YAML file over the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOptions",
		"path":     path,
		"store":    opts.Store,
	}).Debug("Options loaded")
	return opts, nil
}

// SaveOptions writes opts as YAML to path, readable only by the owner.
func SaveOptions(path string, opts *Options) error {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// SelfAddress parses Address.
func (o *Options) SelfAddress() (transport.Address, error) {
	if o.Address == "" {
		return transport.Address{}, errors.New("no node address configured")
	}
	return transport.ParseAddress(o.Address)
}

// Validate checks that the options are usable.
func (o *Options) Validate() error {
	var errs []error

	switch o.Store {
	case StoreMemory:
	case StoreFile:
		if o.DataDir == "" {
			errs = append(errs, errors.New("file store needs data_dir"))
		}
	case StoreRedis:
		if o.RedisURL == "" {
			errs = append(errs, errors.New("redis store needs redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", o.Store))
	}

	if o.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session_ttl must be positive, got %s", o.SessionTTL))
	}
	if o.PendingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pending_timeout must be positive, got %s", o.PendingTimeout))
	}
	if o.ExchangeGrace <= 0 || o.ExchangeGrace >= o.PendingTimeout {
		errs = append(errs, fmt.Errorf("exchange_grace must be positive and below pending_timeout, got %s", o.ExchangeGrace))
	}
	if o.TokenLifetime <= 0 {
		errs = append(errs, fmt.Errorf("token_lifetime must be positive, got %s", o.TokenLifetime))
	}
	if o.MaintenanceInterval <= 0 {
		errs = append(errs, fmt.Errorf("maintenance_interval must be positive, got %s", o.MaintenanceInterval))
	}
	if o.ReplayCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("replay_cache_size must be positive, got %d", o.ReplayCacheSize))
	}
	if err := o.KDF.Validate(); err != nil {
		errs = append(errs, err)
	}
	if o.Address != "" {
		if _, err := transport.ParseAddress(o.Address); err != nil {
			errs = append(errs, err)
		}
	}
	if o.LogLevel != "" {
		if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid options: %w", errors.Join(errs...))
	}
	return nil
}
