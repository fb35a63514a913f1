package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "NODEBUS"

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BusPath    string `mapstructure:"bus_path"`
	StaticDir  string `mapstructure:"static_dir"`
}

type WebsocketConfig struct {
	SendQueue       int           `mapstructure:"send_queue"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AllowAnyOrigin  bool          `mapstructure:"allow_any_origin"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ClusterConfig enables hub-to-hub federation over libp2p gossipsub.
type ClusterConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Topic           string   `mapstructure:"topic"`
	ListenAddrs     []string `mapstructure:"listen_addrs"`
	Bootstrap       []string `mapstructure:"bootstrap"`
	Rendezvous      string   `mapstructure:"rendezvous"`
	MDNS            bool     `mapstructure:"mdns"`
	IdentityKeyFile string   `mapstructure:"identity_key_file"`
	DedupeSize      int      `mapstructure:"dedupe_size"`
}

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.bus_path", "/bus")
	v.SetDefault("http.static_dir", "static")
	v.SetDefault("websocket.send_queue", 256)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.max_message_bytes", 1<<20)
	v.SetDefault("websocket.allow_any_origin", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.topic", "nodebus.events")
	v.SetDefault("cluster.listen_addrs", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("cluster.bootstrap", []string{})
	v.SetDefault("cluster.rendezvous", "nodebus")
	v.SetDefault("cluster.mdns", false)
	v.SetDefault("cluster.identity_key_file", "")
	v.SetDefault("cluster.dedupe_size", 4096)
}

// Load reads path (optional; "" means defaults and environment only).
// Every key can be overridden from the environment, e.g.
// NODEBUS_HTTP_LISTEN_ADDR=:9000.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.HTTP.ListenAddr == "" {
		return errors.New("http.listen_addr is required")
	}
	if !strings.HasPrefix(c.HTTP.BusPath, "/") {
		c.HTTP.BusPath = "/" + c.HTTP.BusPath
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Websocket.SendQueue <= 0 {
		return fmt.Errorf("websocket.send_queue must be positive, got %d", c.Websocket.SendQueue)
	}
	if c.Cluster.Enabled && c.Cluster.Topic == "" {
		return errors.New("cluster.topic is required when cluster is enabled")
	}
	if c.Cluster.DedupeSize <= 0 {
		c.Cluster.DedupeSize = 4096
	}
	return nil
}
