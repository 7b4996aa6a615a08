package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manfred-kaiser/ssh-mitm/internal/hostkey"
	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[probe]
connect_timeout = "10s"
`)

	flagTimeout := 3 * time.Second
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"SSH_MITM_AUDIT_CONNECT_TIMEOUT": "20s",
		},
		Flags: FlagOverrides{
			ConnectTimeout: &flagTimeout,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Probe.ConnectTimeout)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[probe]
read_timeout = "10s"

[logging]
level = "info"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"SSH_MITM_AUDIT_READ_TIMEOUT": "20s",
			"SSH_MITM_AUDIT_LOG_LEVEL":    "debug",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, cfg.Probe.ReadTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[probe]
connect_timeout = "4s"
`)

	cfg, report, err := Load(LoadOptions{ConfigPath: cfgPath})
	require.NoError(t, err)
	require.Equal(t, 4*time.Second, cfg.Probe.ConnectTimeout)
	require.Equal(t, defaultReadTimeout, cfg.Probe.ReadTimeout)
	require.True(t, report.FileLoaded)
	require.Equal(t, cfgPath, report.ConfigPath)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, report, err := Load(LoadOptions{ConfigPath: filepath.Join(t.TempDir(), "absent.toml")})
	require.NoError(t, err)
	require.False(t, report.FileLoaded)
	require.Equal(t, DefaultConfig(), cfg)
	require.Equal(t, hostkey.PolicyAccept, cfg.HostKey.Policy)
	require.Equal(t, "nobody", cfg.Probe.EnumerationUser)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[probe]
connect_timeout = "5s"
read_timeout = "7s"
client_software = "OpenSSH_9.6"
enumeration_user = "scanner"

[host_key]
policy = "pinned"
known_hosts_file = "/tmp/known_hosts"
pinned = ["SHA256:abc", "SHA256:def"]

[algorithms]
kex = ["curve25519-sha256"]
host_keys = ["ssh-ed25519"]
ciphers = ["aes256-gcm@openssh.com"]
macs = ["hmac-sha2-512-etm@openssh.com"]

[logging]
level = "debug"
format = "json"
file = "/tmp/audit.log"
max_size_mb = 42
max_files = 9
`)

	cfg, _, err := Load(LoadOptions{ConfigPath: cfgPath})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Probe.ConnectTimeout)
	require.Equal(t, 7*time.Second, cfg.Probe.ReadTimeout)
	require.Equal(t, "OpenSSH_9.6", cfg.Probe.ClientSoftware)
	require.Equal(t, "scanner", cfg.Probe.EnumerationUser)
	require.Equal(t, hostkey.PolicyPinned, cfg.HostKey.Policy)
	require.Equal(t, "/tmp/known_hosts", cfg.HostKey.KnownHostsFile)
	require.Equal(t, []string{"SHA256:abc", "SHA256:def"}, cfg.HostKey.Pinned)
	require.Equal(t, transport.AlgorithmPreferences{
		Kex:      []string{transport.KexCurve25519SHA256},
		HostKeys: []string{transport.HostKeyEd25519},
		Ciphers:  []string{transport.CipherAES256GCM},
		MACs:     []string{transport.MACHMACSHA512ETM},
	}, cfg.Algorithms.Preferences())
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "/tmp/audit.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)
}

func TestLoadConfigFlagsOverrideHostKeySettings(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[host_key]
policy = "accept"
`)
	policy := "TOFU"
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	user := "root"
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Flags: FlagOverrides{
			HostKeyPolicy:   &policy,
			KnownHostsFile:  &knownHosts,
			EnumerationUser: &user,
		},
	})
	require.NoError(t, err)
	require.Equal(t, hostkey.PolicyTOFU, cfg.HostKey.Policy)
	require.Equal(t, knownHosts, cfg.HostKey.KnownHostsFile)
	require.Equal(t, "root", cfg.Probe.EnumerationUser)
}

func TestLoadConfigValidationRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "negative-timeout", body: "[probe]\nconnect_timeout = \"-1s\"\n"},
		{name: "timeout-too-long", body: "[probe]\nread_timeout = \"6m\"\n"},
		{name: "bad-duration", body: "[probe]\nread_timeout = \"soon\"\n"},
		{name: "empty-user", body: "[probe]\nenumeration_user = \"\"\n"},
		{name: "unknown-policy", body: "[host_key]\npolicy = \"trusting\"\n"},
		{name: "strict-without-file", body: "[host_key]\npolicy = \"strict\"\n"},
		{name: "pinned-without-pins", body: "[host_key]\npolicy = \"pinned\"\n"},
		{name: "unknown-cipher", body: "[algorithms]\nciphers = [\"blowfish-cbc\"]\n"},
		{name: "bad-level", body: "[logging]\nlevel = \"loud\"\n"},
		{name: "bad-format", body: "[logging]\nformat = \"xml\"\n"},
		{name: "unknown-field", body: "[probe]\nretries = 3\n"},
		{name: "malformed", body: "[probe\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := writeConfigFile(t, tt.body)
			_, _, err := Load(LoadOptions{ConfigPath: cfgPath})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, "[probe]\nenumeration_user = \"from-env-path\"\n")
	cfg, report, err := Load(LoadOptions{Env: map[string]string{"SSH_MITM_AUDIT_CONFIG": cfgPath}})
	require.NoError(t, err)
	require.Equal(t, cfgPath, report.ConfigPath)
	require.Equal(t, "from-env-path", cfg.Probe.EnumerationUser)
}

func TestDefaultConfigPathHonoursXDG(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := defaultConfigPath(LoadOptions{Env: map[string]string{"XDG_CONFIG_HOME": dir}})
	require.NoError(t, err)
	if filepath.Base(filepath.Dir(filepath.Dir(path))) != "Application Support" {
		require.Equal(t, filepath.Join(dir, "ssh-mitm", "audit.toml"), path)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
