package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/viper"
)

const DefaultPath = "pkgswarm.yaml"

type Config struct {
	Node       NodeConfig       `mapstructure:"node" yaml:"node"`
	Peers      []string         `mapstructure:"peers" yaml:"peers"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Download   DownloadConfig   `mapstructure:"download" yaml:"download"`
	Transfer   TransferConfig   `mapstructure:"transfer" yaml:"transfer"`
	Gossip     GossipConfig     `mapstructure:"gossip" yaml:"gossip"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

type NodeConfig struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Listen       string `mapstructure:"listen" yaml:"listen"`
	AdvertiseURL string `mapstructure:"advertise_url" yaml:"advertise_url"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

type DownloadConfig struct {
	OutDir        string `mapstructure:"out_dir" yaml:"out_dir"`
	SegmentLength int64  `mapstructure:"segment_length" yaml:"segment_length"`
	Workers       int    `mapstructure:"workers" yaml:"workers"`
	MaxRetries    int    `mapstructure:"max_retries" yaml:"max_retries"`
}

type TransferConfig struct {
	UploadSlots      int   `mapstructure:"upload_slots" yaml:"upload_slots"`
	MaxQueuedUploads int   `mapstructure:"max_queued_uploads" yaml:"max_queued_uploads"`
	UploadRateBytes  int64 `mapstructure:"upload_rate_bytes" yaml:"upload_rate_bytes"`
}

type GossipConfig struct {
	MinDelay        time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	ScheduleDelay   time.Duration `mapstructure:"schedule_delay" yaml:"schedule_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PushConcurrency int           `mapstructure:"push_concurrency" yaml:"push_concurrency"`
}

type ValidationConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.listen", ":7420")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "pkgswarm.db")
	v.SetDefault("download.out_dir", "./packages")
	v.SetDefault("download.segment_length", 1<<20)
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("transfer.upload_slots", 4)
	v.SetDefault("transfer.max_queued_uploads", 16)
	v.SetDefault("transfer.upload_rate_bytes", 0)
	v.SetDefault("gossip.min_delay", "2s")
	v.SetDefault("gossip.schedule_delay", "500ms")
	v.SetDefault("gossip.poll_interval", "30s")
	v.SetDefault("gossip.push_concurrency", 4)
	v.SetDefault("validation.concurrency", 1)
	v.SetDefault("log.path", "pkgswarm.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
}

// Load reads path (or DefaultPath when empty). Only an explicitly requested
// file is required to exist; without one the defaults and environment apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PKGSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Node.ID == "" {
		c.Node.ID = ksuid.New().String()
	}

	if c.Node.Listen == "" {
		return errors.New("node.listen is required")
	}

	if c.Node.AdvertiseURL == "" {
		host := c.Node.Listen
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		c.Node.AdvertiseURL = "http://" + host
	}
	c.Node.AdvertiseURL = strings.TrimRight(c.Node.AdvertiseURL, "/")

	for i, p := range c.Peers {
		u, err := url.Parse(p)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("peers[%d]: invalid url %q", i, p)
		}
		c.Peers[i] = strings.TrimRight(p, "/")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./packages"
	}

	if c.Download.SegmentLength <= 0 {
		return errors.New("download.segment_length must be positive")
	}

	if c.Download.Workers <= 0 {
		c.Download.Workers = 1
	}

	if c.Download.MaxRetries < 0 {
		c.Download.MaxRetries = 0
	}

	if c.Transfer.UploadSlots <= 0 {
		c.Transfer.UploadSlots = 1
	}

	if c.Transfer.MaxQueuedUploads < 0 {
		c.Transfer.MaxQueuedUploads = 0
	}

	if c.Transfer.UploadRateBytes < 0 {
		return errors.New("transfer.upload_rate_bytes cannot be negative")
	}

	if c.Gossip.MinDelay < 0 || c.Gossip.ScheduleDelay < 0 {
		return errors.New("gossip delays cannot be negative")
	}

	if c.Gossip.PollInterval <= 0 {
		c.Gossip.PollInterval = 30 * time.Second
	}

	if c.Gossip.PushConcurrency <= 0 {
		c.Gossip.PushConcurrency = 1
	}

	if c.Validation.Concurrency <= 0 {
		c.Validation.Concurrency = 1
	}

	return nil
}
