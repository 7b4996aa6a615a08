package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedactionSensitiveFields(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"password", "passphrase", "private_key", "secret", "token", "shared_secret", "session_id"} {
		out := logSingleField(t, key, "deadbeef")
		require.Equalf(t, "[REDACTED]", out[key], "field %q", key)
	}
}

func TestRedactionIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	out := logSingleField(t, "Password", "hunter2")
	require.Equal(t, "[REDACTED]", out["Password"])
}

func TestNonSensitiveFieldsPassThrough(t *testing.T) {
	t.Parallel()
	out := logSingleField(t, "host", "bastion.internal")
	require.Equal(t, "bastion.internal", out["host"])

	out = logSingleField(t, "host_key_fingerprint", "SHA256:abc")
	require.Equal(t, "SHA256:abc", out["host_key_fingerprint"])
}

func TestRedactionInsideGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("probe", slog.Group("kex", slog.String("shared_secret", "00ff"), slog.String("algorithm", "curve25519-sha256")))

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	kex, ok := out["kex"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", kex["shared_secret"])
	require.Equal(t, "curve25519-sha256", kex["algorithm"])
}

func TestRedactionWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(slog.NewJSONHandler(&buf, nil))).With("token", "abc")
	logger.Info("probe")
	require.NotContains(t, buf.String(), "abc")
	require.Contains(t, buf.String(), "[REDACTED]")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewJSONFormatRedacts(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: FormatJSON, Writer: &buf})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })

	logger.Debug("probe finished", "host", "10.0.0.5", "passphrase", "x")

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	require.Equal(t, "probe finished", out["msg"])
	require.Equal(t, "10.0.0.5", out["host"])
	require.Equal(t, "[REDACTED]", out["passphrase"])
}

func TestNewTextFormatHonoursLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Format: FormatText, Writer: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "port", 22)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "msg=shown")
	require.Contains(t, buf.String(), "port=22")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	_, _, err := New(Options{Format: "xml", Writer: &bytes.Buffer{}})
	require.ErrorContains(t, err, "unknown log format")

	_, _, err = New(Options{Level: "chatty", Writer: &bytes.Buffer{}})
	require.ErrorContains(t, err, "unknown log level")
}

func TestNewWritesToFile(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "logs", "audit.log")
	logger, closer, err := New(Options{Level: "info", Format: FormatJSON, File: logPath})
	require.NoError(t, err)

	logger.Info("probe started", "host", "example.org")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `"host":"example.org"`))
}

func TestLogRotationCreatesNewFileAfterTenMiB(t *testing.T) {
	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "audit.log")

	writer, err := NewRotatingWriter(RotationConfig{
		File:      logPath,
		MaxSizeMB: 10,
		MaxFiles:  5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	chunk := bytes.Repeat([]byte("a"), 1024*1024)
	for range 11 {
		_, err = writer.Write(chunk)
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(logDir, "audit*"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 2)
}

func TestLogRotationRetainsMaxFiles(t *testing.T) {
	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "audit.log")

	writer, err := NewRotatingWriter(RotationConfig{
		File:      logPath,
		MaxSizeMB: 1,
		MaxFiles:  3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	chunk := bytes.Repeat([]byte("b"), 1024*1024)
	for range 12 {
		_, err := writer.Write(chunk)
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(logDir, "audit*"))
	require.NoError(t, err)

	// lumberjack prunes old backups asynchronously.
	require.Eventually(t, func() bool {
		files, _ = filepath.Glob(filepath.Join(logDir, "audit*"))
		return len(files)-1 <= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewRotatingWriterRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewRotatingWriter(RotationConfig{})
	require.Error(t, err)
}

func logSingleField(t *testing.T, key, value string) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(base))
	logger.Info("test", key, value)

	line := bytes.TrimSpace(buf.Bytes())
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}
