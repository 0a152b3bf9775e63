package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type LogFormat string

const (
	LFJSON LogFormat = "json"
	LFText LogFormat = "text"
)

// Config holds everything a single invocation needs.
type Config struct {
	Database string `toml:"database"`
	Workers  int    `toml:"workers" usage:"Concurrent banner probes"`
	DNS      struct {
		Nameserver string   `toml:"nameserver" usage:"host:port of the resolver, defaults to resolv.conf"`
		Timeout    Duration `toml:"timeout"`
	} `toml:"dns"`
	Probe struct {
		Port    int      `toml:"port"`
		Timeout Duration `toml:"timeout"`
	} `toml:"probe"`
	Log struct {
		Level  string    `toml:"level"`
		Format LogFormat `toml:"format" usage:"The log output format \"json\" or \"text\""`
	} `toml:"log"`
	Slack struct {
		Token   string `toml:"token"`
		Channel string `toml:"channel"`
		URL     string `toml:"url"`
	} `toml:"slack"`
}

func Default() Config {
	c := Config{
		Database: "./mxdb.db",
		Workers:  4,
	}
	c.DNS.Timeout = Duration{5 * time.Second}
	c.Probe.Port = 25
	c.Probe.Timeout = Duration{10 * time.Second}
	c.Log.Level = "info"
	c.Log.Format = LFText

	return c
}

// Load builds the configuration from defaults, the optional TOML file, a .env
// file in the working directory and finally the process environment.
func Load(fileName string) (Config, error) {
	c := Default()

	if fileName != "" {
		if _, err := toml.DecodeFile(fileName, &c); err != nil {
			return c, fmt.Errorf("unable to load %q, reason: %w", fileName, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c, fmt.Errorf("unable to load .env, reason: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return c, err
	}

	return c, c.Validate()
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setString("MXGUARD_DATABASE", &c.Database)
	setString("MXGUARD_NAMESERVER", &c.DNS.Nameserver)
	setString("MXGUARD_LOG_LEVEL", &c.Log.Level)
	setString("SLACK_MESSAGE_KEY", &c.Slack.Token)
	setString("SLACK_CHANNEL", &c.Slack.Channel)

	if v, ok := os.LookupEnv("MXGUARD_LOG_FORMAT"); ok {
		c.Log.Format = LogFormat(v)
	}

	for key, dst := range map[string]*Duration{
		"MXGUARD_DNS_TIMEOUT":   &c.DNS.Timeout,
		"MXGUARD_PROBE_TIMEOUT": &c.Probe.Timeout,
	} {
		if v, ok := os.LookupEnv(key); ok {
			if err := dst.Set(v); err != nil {
				return fmt.Errorf("invalid %s %q, reason: %w", key, v, err)
			}
		}
	}

	for key, dst := range map[string]*int{
		"MXGUARD_WORKERS":    &c.Workers,
		"MXGUARD_PROBE_PORT": &c.Probe.Port,
	} {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q, reason: %w", key, v, err)
			}
			*dst = n
		}
	}

	return nil
}

func (c Config) Validate() error {
	switch {
	case c.Database == "":
		return errors.New("database path must not be empty")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.Probe.Port < 1 || c.Probe.Port > 65535:
		return fmt.Errorf("invalid probe port: %d (must be 1-65535)", c.Probe.Port)
	case c.DNS.Timeout.AsDuration() <= 0:
		return errors.New("dns timeout must be positive")
	case c.Probe.Timeout.AsDuration() <= 0:
		return errors.New("probe timeout must be positive")
	case c.Log.Format != LFJSON && c.Log.Format != LFText:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}

// NotifyEnabled reports whether banner changes are posted to Slack.
func (c Config) NotifyEnabled() bool {
	return c.Slack.Token != "" && c.Slack.Channel != ""
}

type Duration struct {
	duration time.Duration
}

func (d Duration) String() string {
	return d.duration.String()
}

func (d *Duration) Set(v string) error {
	var err error
	d.duration, err = time.ParseDuration(v)
	return err
}

func (d Duration) AsDuration() time.Duration {
	return d.duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}
