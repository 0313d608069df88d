// Package config loads process configuration, mirroring the shape of
// sessions/session.go's *config.Config (a struct with a primary-database
// selector) but retargeted at the CITM/DNS daemons instead of an asset
// enumeration session.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Database mirrors config.Database from the reference engine's external config
// package (Host/Port/Username/Password/DBName/System/Primary), used by
// sessions/session.go's selectDBMS.
type Database struct {
	Primary bool `yaml:"primary"`
	System string `yaml:"system"` // "sqlite" or "postgres"
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName string `yaml:"dbname"`
	Path string `yaml:"path"` // sqlite file path
}

// TLS holds the certificate material for either the DN-facing listener or
// the UP-facing upstream dialer.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile string `yaml:"key_file"`
	CAFile string `yaml:"ca_file"`
	Insecure bool `yaml:"insecure_skip_verify"`
}

// Config is the top-level process configuration, populated from a YAML
// file plus environment-variable overrides for secrets.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	UpstreamAddr string `yaml:"upstream_addr"`
	TLS TLS `yaml:"tls"`
	UpstreamTLS TLS `yaml:"upstream_tls"`
	Database *Database `yaml:"database"`

	CitmWorkers int `yaml:"citm_workers"`
	DeviceCap int `yaml:"device_cap"`
	NMembufs int `yaml:"n_membufs"`

	Zone string `yaml:"zone"` // DNS apex, e.g. "user.splintermail.com"
	DNSAddr string `yaml:"dns_addr"`
	DNSPort int `yaml:"dns_port"`
	KvpsyncPort int `yaml:"kvpsync_port"`
	KvpsyncPeers []string `yaml:"kvpsync_peers"` // addr:port of each authoritative producer

	IdleNotifyInterval int `yaml:"imap_idle_notify_interval_seconds"`

	LogDir string `yaml:"log_dir"`
}

// Default returns the configuration used when no file is supplied,
// matching the reference engine's "use default configuration if none is provided"
// fallback in sessions.CreateSession.
func Default() *Config {
	return &Config{
		ListenAddr: ":993",
		Database: &Database{Primary: true, System: "sqlite", Path: "./citm.sqlite"},
		CitmWorkers: 0, // 0 => runtime.GOMAXPROCS(0)
		DeviceCap: 20,
		NMembufs: 4096,
		Zone: "user.splintermail.com",
		DNSAddr: "0.0.0.0",
		DNSPort: 53,
		KvpsyncPort: 2345,
		IdleNotifyInterval: 1740, // matches dovecot's default imap_idle_notify_interval
	}
}

// Load reads a YAML config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CITM_DB_PASSWORD"); v != "" && cfg.Database != nil {
		cfg.Database.Password = v
	}
	if v := os.Getenv("CITM_DB_DSN_PATH"); v != "" && cfg.Database != nil {
		cfg.Database.Path = v
	}
}

// ClampThreadPoolSize implements the UV_THREADPOOL_SIZE contract: read
// once at startup, clamp to [min, 128], and write back if unset or out
// of range, before any worker is spawned.
func ClampThreadPoolSize(min int) int {
	const max = 128
	if min < 1 {
		min = 1
	}

	raw := os.Getenv("UV_THREADPOOL_SIZE")
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		if n < min {
			n = min
		}
		if n > max {
			n = max
		}
		os.Setenv("UV_THREADPOOL_SIZE", strconv.Itoa(n))
	}
	return n
}
