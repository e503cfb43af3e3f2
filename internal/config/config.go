// Package config loads server and client settings from a TOML file, then
// applies P2PCHAT_* environment overrides. Command-line flags are applied by
// the caller last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/p2pchat/internal/protocol"
	"github.com/1ureka/p2pchat/internal/util"
)

// Role selects which section Validate checks.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

const (
	EnvListenAddr   = "P2PCHAT_LISTEN_ADDR"
	EnvWSListenAddr = "P2PCHAT_WS_LISTEN_ADDR"
	EnvMetricsAddr  = "P2PCHAT_METRICS_ADDR"
	EnvServerAddr   = "P2PCHAT_SERVER"
	EnvUsername     = "P2PCHAT_USER"
	EnvPassword     = "P2PCHAT_PASSWORD"
	EnvDebug        = "P2PCHAT_DEBUG"
)

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

type LogConfig struct {
	Debug         bool     `toml:"debug"`
	StatsInterval Duration `toml:"stats_interval"`
}

type ServerConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	WSListenAddr string `toml:"ws_listen_addr"`
	MetricsAddr  string `toml:"metrics_addr"`

	BufferSize    int `toml:"buffer_size"`
	OutboundQueue int `toml:"outbound_queue"`
	MaxPeers      int `toml:"max_peers"`

	KeepAliveInterval Duration `toml:"keepalive_interval"`
	KeepAliveTimeout  Duration `toml:"keepalive_timeout"`
	LoginTimeout      Duration `toml:"login_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`

	AuthQueue   int      `toml:"auth_queue"`
	AuthTimeout Duration `toml:"auth_timeout"`

	// Accounts maps a username to the md5 hex digest of its password.
	Accounts map[string]string `toml:"accounts"`

	// CredentialStore names the table and columns of an external account
	// store. The static verifier ignores it.
	CredentialStore CredentialStore `toml:"credential_store"`
}

type CredentialStore struct {
	Table          string `toml:"table"`
	UsernameColumn string `toml:"username_column"`
	PasswordColumn string `toml:"password_column"`
	SaltColumn     string `toml:"salt_column"`
}

type ClientConfig struct {
	ServerAddr  string   `toml:"server_addr"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	STUNServers []string `toml:"stun_servers"`
	BufferSize  int      `toml:"buffer_size"`
}

// Default returns a configuration that runs a local server with one demo
// account, alice / "password".
func Default() Config {
	return Config{
		Log: LogConfig{StatsInterval: Duration{10 * time.Second}},
		Server: ServerConfig{
			ListenAddr:        ":5000",
			BufferSize:        protocol.DefaultBufferSize,
			OutboundQueue:     256,
			MaxPeers:          1024,
			KeepAliveInterval: Duration{15 * time.Second},
			KeepAliveTimeout:  Duration{45 * time.Second},
			LoginTimeout:      Duration{30 * time.Second},
			ShutdownTimeout:   Duration{5 * time.Second},
			AuthQueue:         128,
			AuthTimeout:       Duration{5 * time.Second},
			Accounts: map[string]string{
				"alice": util.MD5Hex("password"),
			},
			CredentialStore: CredentialStore{
				Table:          "accounts",
				UsernameColumn: "username",
				PasswordColumn: "password",
				SaltColumn:     "salt",
			},
		},
		Client: ClientConfig{
			ServerAddr:  "127.0.0.1:5000",
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			BufferSize:  protocol.DefaultBufferSize,
		},
	}
}

// Load reads path over the defaults (an empty path skips the file) and
// applies environment overrides.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	for user, digest := range cfg.Server.Accounts {
		cfg.Server.Accounts[user] = strings.ToLower(digest)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvListenAddr, &cfg.Server.ListenAddr)
	str(EnvWSListenAddr, &cfg.Server.WSListenAddr)
	str(EnvMetricsAddr, &cfg.Server.MetricsAddr)
	str(EnvServerAddr, &cfg.Client.ServerAddr)
	str(EnvUsername, &cfg.Client.Username)
	if v, ok := lookup(EnvPassword); ok {
		cfg.Client.Password = v
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		cfg.Log.Debug = b
	}
	return nil
}

// Validate reports every problem in the section used by role.
func (c Config) Validate(role Role) error {
	var errs []error
	switch role {
	case RoleServer:
		s := c.Server
		if s.ListenAddr == "" && s.WSListenAddr == "" {
			errs = append(errs, errors.New("server: listen_addr or ws_listen_addr is required"))
		}
		if s.BufferSize < 16 {
			errs = append(errs, fmt.Errorf("server: buffer_size %d is too small", s.BufferSize))
		}
		if s.OutboundQueue <= 0 {
			errs = append(errs, errors.New("server: outbound_queue must be positive"))
		}
		if s.MaxPeers <= 0 {
			errs = append(errs, errors.New("server: max_peers must be positive"))
		}
		if s.AuthQueue <= 0 {
			errs = append(errs, errors.New("server: auth_queue must be positive"))
		}
		if s.KeepAliveInterval.Duration <= 0 {
			errs = append(errs, errors.New("server: keepalive_interval must be positive"))
		}
		if s.KeepAliveTimeout.Duration < s.KeepAliveInterval.Duration {
			errs = append(errs, errors.New("server: keepalive_timeout must not be shorter than keepalive_interval"))
		}
		if s.LoginTimeout.Duration <= 0 || s.AuthTimeout.Duration <= 0 {
			errs = append(errs, errors.New("server: login_timeout and auth_timeout must be positive"))
		}
		for user, digest := range s.Accounts {
			if !util.IsMD5Hex(digest) {
				errs = append(errs, fmt.Errorf("server: account %q: password must be an md5 hex digest", user))
			}
		}
	case RoleClient:
		cl := c.Client
		if cl.ServerAddr == "" {
			errs = append(errs, errors.New("client: server_addr is required"))
		}
		if cl.Username == "" {
			errs = append(errs, errors.New("client: username is required"))
		}
		if cl.BufferSize < 16 {
			errs = append(errs, fmt.Errorf("client: buffer_size %d is too small", cl.BufferSize))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}
	return errors.Join(errs...)
}
