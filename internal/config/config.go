package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"kiotbook/internal/model"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Asia/Ho_Chi_Minh"
	defaultDatabase    = "kiotbook.db"
	defaultLogLevel    = "info"
	defaultRate        = 350000
	defaultCron        = "*/30 * * * *"
	defaultPlatform    = "Booking.com"
	defaultHorizonDays = 365
	defaultConcurrency = 4
	defaultTimeoutSec  = 15
	defaultPublicRPM   = 30
)

// SyncConfig controls inbound feed reconciliation.
type SyncConfig struct {
	// Cron is a cron-style schedule string (e.g. "*/30 * * * *").
	// "-" disables periodic sync.
	Cron string `yaml:"cron" json:"cron"`

	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	Concurrency         int `yaml:"concurrency" json:"concurrency"`

	// Relay, if set, is prepended to feed URLs (CORS/egress relay).
	Relay string `yaml:"relay" json:"relay"`

	// PruneMissing deletes imported reservations that disappeared from a
	// successfully fetched feed. Off by default: sync only adds.
	PruneMissing bool `yaml:"prune_missing" json:"prune_missing"`

	HorizonDays     int      `yaml:"horizon_days" json:"horizon_days"`
	SummaryPrefixes []string `yaml:"summary_prefixes" json:"summary_prefixes"`

	// CacheDir stores conditional-GET metadata and the last good body per
	// feed. Empty disables the cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Platform labels imported reservation descriptions.
	Platform string `yaml:"platform" json:"platform"`
}

// ICalConfig controls the outbound feed.
type ICalConfig struct {
	ProdID         string `yaml:"prod_id" json:"prod_id"`
	UIDDomain      string `yaml:"uid_domain" json:"uid_domain"`
	DefaultSummary string `yaml:"default_summary" json:"default_summary"`

	// PublicRatePerMinute limits /ical requests per client IP. 0 disables.
	PublicRatePerMinute int `yaml:"public_rate_per_minute" json:"public_rate_per_minute"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	// PasswordHash is a bcrypt hash; plaintext passwords are not accepted.
	PasswordHash string `yaml:"password_hash" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and feeds.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone that defines "today" (e.g. "Asia/Ho_Chi_Minh").
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DefaultRate is the nightly rate for rooms without a price.
	DefaultRate int64 `yaml:"default_rate" json:"default_rate"`

	Rooms map[string]model.RoomConfig `yaml:"rooms" json:"rooms"`

	// RoomGroups maps an aggregate listing to its constituent rooms.
	RoomGroups map[string][]string `yaml:"room_groups" json:"room_groups"`

	Sync SyncConfig `yaml:"sync" json:"sync"`
	ICal ICalConfig `yaml:"ical" json:"ical"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on /api.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Rooms: map[string]model.RoomConfig{
			"101":       {Price: 600000},
			"201":       {Price: 350000},
			"202":       {Price: 350000},
			"203":       {Price: 300000},
			"List Tổng": {Price: 900000},
		},
		RoomGroups: map[string][]string{
			"List Tổng": {"201", "202", "203"},
		},
		ICal: ICalConfig{PublicRatePerMinute: defaultPublicRPM},
	}
	c.Normalize()
	return c
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.DefaultRate <= 0 {
		c.DefaultRate = defaultRate
	}
	if c.Rooms == nil {
		c.Rooms = map[string]model.RoomConfig{}
	}
	if c.RoomGroups == nil {
		c.RoomGroups = map[string][]string{}
	}

	if c.Sync.Cron == "" {
		c.Sync.Cron = defaultCron
	}
	if c.Sync.FetchTimeoutSeconds <= 0 {
		c.Sync.FetchTimeoutSeconds = defaultTimeoutSec
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = defaultConcurrency
	}
	if c.Sync.HorizonDays <= 0 {
		c.Sync.HorizonDays = defaultHorizonDays
	}
	if c.Sync.SummaryPrefixes == nil {
		c.Sync.SummaryPrefixes = []string{"Booked - "}
	}
	if c.Sync.Platform == "" {
		c.Sync.Platform = defaultPlatform
	}

	if c.ICal.PublicRatePerMinute < 0 {
		c.ICal.PublicRatePerMinute = 0
	}

	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.PasswordHash == "" {
		c.BasicAuth = nil
	}
}

// Validate reports configuration that would make the booking core
// misbehave: groups that reference unknown rooms and half-set credentials.
func (c *Config) Validate() error {
	var errs []error
	for group, members := range c.RoomGroups {
		if _, ok := c.Rooms[group]; !ok {
			errs = append(errs, fmt.Errorf("room_groups: %q is not a configured room", group))
		}
		for _, m := range members {
			if _, ok := c.Rooms[m]; !ok {
				errs = append(errs, fmt.Errorf("room_groups[%s]: %q is not a configured room", group, m))
			}
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.PasswordHash == "") {
		errs = append(errs, errors.New("basic_auth: username and password_hash are both required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Catalog builds the explicit room configuration passed to the booking core.
func (c *Config) Catalog() model.RoomCatalog {
	rooms := make(map[string]model.RoomConfig, len(c.Rooms))
	for id, rc := range c.Rooms {
		rc.ICalURL = strings.TrimSpace(rc.ICalURL)
		rooms[id] = rc
	}
	groups := make(map[string][]string, len(c.RoomGroups))
	for id, members := range c.RoomGroups {
		groups[id] = append([]string(nil), members...)
	}
	return model.RoomCatalog{
		Rooms:       rooms,
		Groups:      groups,
		DefaultRate: c.DefaultRate,
	}
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// FetchTimeout returns the per-feed fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Sync.FetchTimeoutSeconds) * time.Second
}

// Load reads the YAML config at path. A missing file is replaced by
// DefaultConfig, written to path with 0600 permissions.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, fmt.Errorf("write default config: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".kiotbook-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save writes c to path.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
