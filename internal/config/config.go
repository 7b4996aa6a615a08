package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/manfred-kaiser/ssh-mitm/internal/hostkey"
	applog "github.com/manfred-kaiser/ssh-mitm/internal/log"
	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultClientSoftware  = transport.DefaultClientSoftware
	defaultEnumerationUser = "nobody"
	defaultHostKeyPolicy   = hostkey.PolicyAccept
	defaultLogLevel        = "warn"
	defaultLogFormat       = "text"
	defaultLogMaxSizeMB    = 10
	defaultLogMaxFiles     = 5

	maxTimeout = 5 * time.Minute
	envPrefix  = "SSH_MITM_AUDIT_"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Probe      ProbeConfig      `toml:"probe"`
	HostKey    HostKeyConfig    `toml:"host_key"`
	Algorithms AlgorithmsConfig `toml:"algorithms"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ProbeConfig struct {
	ConnectTimeout  time.Duration `toml:"connect_timeout"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	ClientSoftware  string        `toml:"client_software"`
	EnumerationUser string        `toml:"enumeration_user"`
}

type HostKeyConfig struct {
	Policy         hostkey.Policy `toml:"policy"`
	KnownHostsFile string         `toml:"known_hosts_file"`
	Pinned         []string       `toml:"pinned"`
}

type AlgorithmsConfig struct {
	Kex      []string `toml:"kex"`
	HostKeys []string `toml:"host_keys"`
	Ciphers  []string `toml:"ciphers"`
	MACs     []string `toml:"macs"`
}

// Preferences converts the lists for the transport layer.
func (a AlgorithmsConfig) Preferences() transport.AlgorithmPreferences {
	return transport.AlgorithmPreferences{
		Kex:      a.Kex,
		HostKeys: a.HostKeys,
		Ciphers:  a.Ciphers,
		MACs:     a.MACs,
	}
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	Env        map[string]string
	Flags      FlagOverrides
}

// FlagOverrides holds command-line values; nil means the flag was not set.
type FlagOverrides struct {
	ConnectTimeout  *time.Duration
	ReadTimeout     *time.Duration
	EnumerationUser *string
	HostKeyPolicy   *string
	KnownHostsFile  *string
	Pinned          []string
	LogLevel        *string
}

type LoadReport struct {
	ConfigPath string
	FileLoaded bool
}

func DefaultConfig() Config {
	return Config{
		Probe: ProbeConfig{
			ConnectTimeout:  defaultConnectTimeout,
			ReadTimeout:     defaultReadTimeout,
			ClientSoftware:  defaultClientSoftware,
			EnumerationUser: defaultEnumerationUser,
		},
		HostKey: HostKeyConfig{
			Policy: defaultHostKeyPolicy,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    defaultLogFormat,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// Load layers defaults, the TOML file, SSH_MITM_AUDIT_* environment
// variables and flags, in that order, and validates the result.
func Load(opts LoadOptions) (Config, LoadReport, error) {
	cfg := DefaultConfig()
	report := LoadReport{}

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve config path: %w", err)
	}
	report.ConfigPath = configPath
	loaded, err := loadAndApplyFile(configPath, &cfg)
	if err != nil {
		return Config{}, report, err
	}
	report.FileLoaded = loaded

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	policy, err := hostkey.ParsePolicy(string(cfg.HostKey.Policy))
	if err != nil {
		return Config{}, report, fmt.Errorf("%w: host_key.policy: %v", ErrInvalidConfig, err)
	}
	cfg.HostKey.Policy = policy

	if err := validate(cfg); err != nil {
		return Config{}, report, err
	}
	return cfg, report, nil
}

type rawConfig struct {
	Probe      *rawProbe      `toml:"probe"`
	HostKey    *rawHostKey    `toml:"host_key"`
	Algorithms *rawAlgorithms `toml:"algorithms"`
	Logging    *rawLogging    `toml:"logging"`
}

type rawProbe struct {
	ConnectTimeout  *string `toml:"connect_timeout"`
	ReadTimeout     *string `toml:"read_timeout"`
	ClientSoftware  *string `toml:"client_software"`
	EnumerationUser *string `toml:"enumeration_user"`
}

type rawHostKey struct {
	Policy         *string  `toml:"policy"`
	KnownHostsFile *string  `toml:"known_hosts_file"`
	Pinned         []string `toml:"pinned"`
}

type rawAlgorithms struct {
	Kex      []string `toml:"kex"`
	HostKeys []string `toml:"host_keys"`
	Ciphers  []string `toml:"ciphers"`
	MACs     []string `toml:"macs"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	Format    *string `toml:"format"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config) (bool, error) {
	if path == "" {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		return false, fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	if err := applyRawConfig(cfg, raw); err != nil {
		return false, err
	}
	return true, nil
}

func applyRawConfig(cfg *Config, raw rawConfig) error {
	if raw.Probe != nil {
		if err := setDuration("probe.connect_timeout", raw.Probe.ConnectTimeout, &cfg.Probe.ConnectTimeout); err != nil {
			return err
		}
		if err := setDuration("probe.read_timeout", raw.Probe.ReadTimeout, &cfg.Probe.ReadTimeout); err != nil {
			return err
		}
		setString(raw.Probe.ClientSoftware, &cfg.Probe.ClientSoftware)
		setString(raw.Probe.EnumerationUser, &cfg.Probe.EnumerationUser)
	}

	if raw.HostKey != nil {
		if raw.HostKey.Policy != nil {
			cfg.HostKey.Policy = hostkey.Policy(*raw.HostKey.Policy)
		}
		setString(raw.HostKey.KnownHostsFile, &cfg.HostKey.KnownHostsFile)
		setList(raw.HostKey.Pinned, &cfg.HostKey.Pinned)
	}

	if raw.Algorithms != nil {
		setList(raw.Algorithms.Kex, &cfg.Algorithms.Kex)
		setList(raw.Algorithms.HostKeys, &cfg.Algorithms.HostKeys)
		setList(raw.Algorithms.Ciphers, &cfg.Algorithms.Ciphers)
		setList(raw.Algorithms.MACs, &cfg.Algorithms.MACs)
	}

	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.Format, &cfg.Logging.Format)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"CONNECT_TIMEOUT", &cfg.Probe.ConnectTimeout},
		{"READ_TIMEOUT", &cfg.Probe.ReadTimeout},
	}
	for _, d := range durations {
		value, ok := lookupEnv(opts, envPrefix+d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse %s%s: %v", ErrInvalidConfig, envPrefix, d.key, err)
		}
		*d.target = parsed
	}

	if value, ok := lookupEnv(opts, envPrefix+"ENUMERATION_USER"); ok {
		cfg.Probe.EnumerationUser = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"HOST_KEY_POLICY"); ok {
		cfg.HostKey.Policy = hostkey.Policy(value)
	}
	if value, ok := lookupEnv(opts, envPrefix+"KNOWN_HOSTS_FILE"); ok {
		cfg.HostKey.KnownHostsFile = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"LOG_FORMAT"); ok {
		cfg.Logging.Format = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"LOG_FILE"); ok {
		cfg.Logging.File = value
	}
	if value, ok := lookupEnv(opts, envPrefix+"LOG_MAX_SIZE_MB"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse %sLOG_MAX_SIZE_MB: %v", ErrInvalidConfig, envPrefix, err)
		}
		cfg.Logging.MaxSizeMB = parsed
	}
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.ConnectTimeout != nil {
		cfg.Probe.ConnectTimeout = *flags.ConnectTimeout
	}
	if flags.ReadTimeout != nil {
		cfg.Probe.ReadTimeout = *flags.ReadTimeout
	}
	if flags.EnumerationUser != nil {
		cfg.Probe.EnumerationUser = *flags.EnumerationUser
	}
	if flags.HostKeyPolicy != nil {
		cfg.HostKey.Policy = hostkey.Policy(*flags.HostKeyPolicy)
	}
	if flags.KnownHostsFile != nil {
		cfg.HostKey.KnownHostsFile = *flags.KnownHostsFile
	}
	if flags.Pinned != nil {
		cfg.HostKey.Pinned = flags.Pinned
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
}

func validate(cfg Config) error {
	if cfg.Probe.ConnectTimeout <= 0 || cfg.Probe.ConnectTimeout > maxTimeout {
		return fmt.Errorf("%w: probe.connect_timeout must be > 0 and <= %s", ErrInvalidConfig, maxTimeout)
	}
	if cfg.Probe.ReadTimeout <= 0 || cfg.Probe.ReadTimeout > maxTimeout {
		return fmt.Errorf("%w: probe.read_timeout must be > 0 and <= %s", ErrInvalidConfig, maxTimeout)
	}
	if strings.TrimSpace(cfg.Probe.EnumerationUser) == "" {
		return fmt.Errorf("%w: probe.enumeration_user must not be empty", ErrInvalidConfig)
	}
	if strings.ContainsAny(cfg.Probe.ClientSoftware, " \r\n") {
		return fmt.Errorf("%w: probe.client_software must not contain whitespace", ErrInvalidConfig)
	}

	switch cfg.HostKey.Policy {
	case hostkey.PolicyStrict, hostkey.PolicyTOFU:
		if strings.TrimSpace(cfg.HostKey.KnownHostsFile) == "" {
			return fmt.Errorf("%w: host_key.known_hosts_file is required for policy %q", ErrInvalidConfig, cfg.HostKey.Policy)
		}
	case hostkey.PolicyPinned:
		if len(cfg.HostKey.Pinned) == 0 {
			return fmt.Errorf("%w: host_key.pinned is required for policy %q", ErrInvalidConfig, cfg.HostKey.Policy)
		}
	}

	if err := cfg.Algorithms.Preferences().Validate(); err != nil {
		return fmt.Errorf("%w: algorithms: %v", ErrInvalidConfig, err)
	}

	if _, err := applog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	switch cfg.Logging.Format {
	case applog.FormatText, applog.FormatJSON:
	default:
		return fmt.Errorf("%w: logging.format %q must be text or json", ErrInvalidConfig, cfg.Logging.Format)
	}
	if cfg.Logging.MaxSizeMB <= 0 || cfg.Logging.MaxFiles < 0 {
		return fmt.Errorf("%w: logging.max_size_mb must be > 0 and logging.max_files >= 0", ErrInvalidConfig)
	}
	return nil
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func setString(raw *string, target *string) {
	if raw != nil {
		*target = *raw
	}
}

func setInt(raw *int, target *int) {
	if raw != nil {
		*target = *raw
	}
}

func setList(raw []string, target *[]string) {
	if raw != nil {
		*target = raw
	}
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, envPrefix+"CONFIG"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "ssh-mitm", "audit.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "ssh-mitm", "audit.toml"), nil
}
