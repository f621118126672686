package craftlist

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Log     LogConfig     `toml:"log"`
	DB      DBConfig      `toml:"db"`
	Spaces  SpacesConfig  `toml:"spaces"`
	SMTP    SMTPConfig    `toml:"smtp"`
	Polling PollingConfig `toml:"polling"`
	Auction AuctionConfig `toml:"auction"`
	Admins  []string      `toml:"admins"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type DBConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	PoolSize     int    `toml:"pool_size"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	MaxLifetime  int    `toml:"max_lifetime"`
}

type SpacesConfig struct {
	Key       string `toml:"key"`
	Secret    string `toml:"secret"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	CDNDomain string `toml:"cdn_domain"`
}

type SMTPConfig struct {
	Host        string `toml:"host"`
	MailName    string `toml:"mail_name"`
	MailAddress string `toml:"mail_address"`
	Disabled    bool   `toml:"disabled"`
}

type PollingConfig struct {
	// Seconds between full liveness sweeps. Defaults to 900.
	PollInterval int `toml:"poll_interval"`
	// Seconds between uptime recomputations. Defaults to 3600.
	UptimeInterval int `toml:"uptime_interval"`
	// Probes issued in parallel per batch. Defaults to 20.
	BatchSize int `toml:"batch_size"`
	// Per-probe deadline in seconds. Defaults to 10.
	ProbeTimeout int `toml:"probe_timeout"`
}

type AuctionConfig struct {
	SponsoredSlots int   `toml:"sponsored_slots"`
	MinimumBid     int64 `toml:"minimum_bid"`
}

func (c *PollingConfig) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 900
	}
	if c.UptimeInterval <= 0 {
		c.UptimeInterval = 3600
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10
	}
}

func (c *AuctionConfig) ApplyDefaults() {
	if c.SponsoredSlots <= 0 {
		c.SponsoredSlots = 10
	}
	if c.MinimumBid <= 0 {
		c.MinimumBid = 10
	}
}
