// Package config assembles the daemon configuration from defaults, an
// optional TOML file and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/tomyedwab/orbd/types"
)

const (
	DefaultPort             = 1049
	DefaultDir              = "orb.db"
	DefaultServerID         = 1
	DefaultNamingPort       = 1050
	DefaultPollInterval     = time.Second
	DefaultStartupDelay     = time.Second
	DefaultLookupTimeout    = 60 * time.Second
	DefaultGracefulShutdown = 10 * time.Second
	DefaultActivationRate   = 0.2
	DefaultActivationBurst  = 5
	DefaultPortRangeMin     = 20000
	DefaultPortRangeMax     = 29999
)

// BuiltinServer is registered and activated on the first run of a fresh
// storage directory.
type BuiltinServer struct {
	ID              int      `toml:"id"`
	ApplicationName string   `toml:"application_name"`
	Binary          string   `toml:"binary"`
	Args            []string `toml:"args"`
	RuntimeArgs     []string `toml:"runtime_args"`
}

// Def returns the repository definition of the server.
func (b BuiltinServer) Def() types.ServerDef {
	return types.ServerDef{
		ApplicationName: b.ApplicationName,
		ServerBinary:    b.Binary,
		ServerArgs:      b.Args,
		RuntimeArgs:     b.RuntimeArgs,
	}
}

type Config struct {
	Port             int
	Dir              string
	ServerID         int // Instance id of this daemon
	Hostname         string
	PollInterval     time.Duration
	StartupDelay     time.Duration
	LookupTimeout    time.Duration
	NamingPort       int // 0 disables the naming service
	ActivationRate   float64
	ActivationBurst  int
	GracefulShutdown time.Duration
	LogLevel         string
	// Endpoints maps endpoint types to the daemon's listener ports. A port of
	// 0 is allocated from PortRange at startup. IIOP_CLEAR_TEXT is always the
	// main listener.
	Endpoints      map[string]int
	PortRange      [2]int
	BuiltinServers []BuiltinServer
	ConfigFile     string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return Config{
		Port:             DefaultPort,
		Dir:              DefaultDir,
		ServerID:         DefaultServerID,
		Hostname:         hostname,
		PollInterval:     DefaultPollInterval,
		StartupDelay:     DefaultStartupDelay,
		LookupTimeout:    DefaultLookupTimeout,
		NamingPort:       DefaultNamingPort,
		ActivationRate:   DefaultActivationRate,
		ActivationBurst:  DefaultActivationBurst,
		GracefulShutdown: DefaultGracefulShutdown,
		LogLevel:         "info",
		Endpoints:        map[string]int{},
		PortRange:        [2]int{DefaultPortRangeMin, DefaultPortRangeMax},
	}
}

// SlogLevel parses LogLevel, falling back to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type fileConfig struct {
	Port             int             `toml:"port"`
	Dir              string          `toml:"dir"`
	ServerID         int             `toml:"server_id"`
	Hostname         string          `toml:"hostname"`
	PollInterval     string          `toml:"poll_interval"`
	StartupDelay     string          `toml:"startup_delay"`
	LookupTimeout    string          `toml:"lookup_timeout"`
	NamingPort       int             `toml:"naming_port"`
	ActivationRate   float64         `toml:"activation_rate"`
	ActivationBurst  int             `toml:"activation_burst"`
	GracefulShutdown string          `toml:"graceful_shutdown"`
	LogLevel         string          `toml:"log_level"`
	Endpoints        map[string]int  `toml:"endpoints"`
	PortRange        []int           `toml:"port_range"`
	BuiltinServers   []BuiltinServer `toml:"builtin_servers"`
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// LoadFile overlays the keys defined in the TOML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("server_id") {
		cfg.ServerID = raw.ServerID
	}
	if meta.IsDefined("hostname") {
		cfg.Hostname = strings.TrimSpace(raw.Hostname)
	}
	for _, d := range []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"startup_delay", raw.StartupDelay, &cfg.StartupDelay},
		{"lookup_timeout", raw.LookupTimeout, &cfg.LookupTimeout},
		{"graceful_shutdown", raw.GracefulShutdown, &cfg.GracefulShutdown},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.value)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("naming_port") {
		cfg.NamingPort = raw.NamingPort
	}
	if meta.IsDefined("activation_rate") {
		cfg.ActivationRate = raw.ActivationRate
	}
	if meta.IsDefined("activation_burst") {
		cfg.ActivationBurst = raw.ActivationBurst
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("endpoints") {
		for endpointType, port := range raw.Endpoints {
			cfg.Endpoints[endpointType] = port
		}
	}
	if meta.IsDefined("port_range") {
		if len(raw.PortRange) != 2 || raw.PortRange[0] > raw.PortRange[1] {
			return fmt.Errorf("parse port_range: want [min, max], got %v", raw.PortRange)
		}
		cfg.PortRange = [2]int{raw.PortRange[0], raw.PortRange[1]}
	}
	if meta.IsDefined("builtin_servers") {
		cfg.BuiltinServers = raw.BuiltinServers
	}
	return nil
}

// ParseFlags builds the configuration from args (without the program name).
// A malformed command line is reported to stderr with usage and parsing stops
// at the offending flag; startup continues with what was parsed. Only an
// unreadable config file is an error.
func ParseFlags(args []string, stderr io.Writer) (Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("orbd", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	port := fs.Int("port", cfg.Port, "Port of the bootstrap and activation listener")
	dir := fs.String("dir", cfg.Dir, "Persistent storage directory")
	serverID := fs.Int("server-id", cfg.ServerID, "Instance id of this daemon")
	pollInterval := fs.Duration("poll-interval", cfg.PollInterval, "Interval between liveness checks of managed servers")
	startupDelay := fs.Duration("startup-delay", cfg.StartupDelay, "Grace period before forwarding to a freshly located server")
	lookupTimeout := fs.Duration("lookup-timeout", cfg.LookupTimeout, "Maximum wait for a server to register")
	namingPort := fs.Int("naming-port", cfg.NamingPort, "Port of the naming service, 0 to disable")
	hostname := fs.String("hostname", cfg.Hostname, "Hostname reported in server locations")
	configFile := fs.String("config", "", "Path to a TOML config file")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "orbd: %v\n", err)
		fs.PrintDefaults()
	}

	if *configFile != "" {
		if err := LoadFile(*configFile, &cfg); err != nil {
			return cfg, err
		}
		cfg.ConfigFile = *configFile
	}

	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("dir") {
		cfg.Dir = *dir
	}
	if fs.Changed("server-id") {
		cfg.ServerID = *serverID
	}
	if fs.Changed("poll-interval") {
		cfg.PollInterval = *pollInterval
	}
	if fs.Changed("startup-delay") {
		cfg.StartupDelay = *startupDelay
	}
	if fs.Changed("lookup-timeout") {
		cfg.LookupTimeout = *lookupTimeout
	}
	if fs.Changed("naming-port") {
		cfg.NamingPort = *namingPort
	}
	if fs.Changed("hostname") {
		cfg.Hostname = *hostname
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	return cfg, nil
}
