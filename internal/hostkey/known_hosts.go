package hostkey

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Result string

const (
	Match    Result = "match"
	Mismatch Result = "mismatch"
	Unknown  Result = "unknown"
)

// KnownHosts checks keys against an OpenSSH known_hosts file. With tofu set,
// keys of hosts not yet in the file are appended instead of rejected; a
// changed key is always rejected.
type KnownHosts struct {
	path   string
	tofu   bool
	logger *slog.Logger

	mu sync.Mutex
}

func NewKnownHosts(path string, tofu bool, logger *slog.Logger) (*KnownHosts, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("known_hosts file is required for this host key policy")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if tofu {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create known_hosts dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create known_hosts file: %w", err)
		}
		_ = f.Close()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open known_hosts file: %w", err)
	}
	return &KnownHosts{path: path, tofu: tofu, logger: logger}, nil
}

func (k *KnownHosts) FilePath() string { return k.path }

// Check looks hostname (host:port) up. The file is re-read on every call so
// entries added by other processes are seen.
func (k *KnownHosts) Check(hostname string, remote net.Addr, key ssh.PublicKey) (Result, error) {
	callback, err := knownhosts.New(k.path)
	if err != nil {
		return Unknown, fmt.Errorf("check host: load known_hosts: %w", err)
	}
	err = callback(hostname, remote, key)
	if err == nil {
		return Match, nil
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return Unknown, fmt.Errorf("check host: %w", err)
	}
	if len(keyErr.Want) > 0 {
		return Mismatch, nil
	}
	return Unknown, nil
}

// Trust appends key for hostname.
func (k *KnownHosts) Trust(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("trust host: open known_hosts file: %w", err)
	}
	defer func() { _ = f.Close() }()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("trust host: write entry: %w", err)
	}
	return nil
}

func (k *KnownHosts) VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	result, err := k.Check(hostname, remote, key)
	if err != nil {
		return err
	}
	fingerprint := ssh.FingerprintSHA256(key)
	switch result {
	case Match:
		return nil
	case Mismatch:
		k.logger.Warn("host key changed", "host", hostname, "host_key_fingerprint", fingerprint)
		return fmt.Errorf("%w: %s presented %s %s", ErrKeyMismatch, hostname, key.Type(), fingerprint)
	}
	if !k.tofu {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
	}
	if err := k.Trust(hostname, key); err != nil {
		return err
	}
	k.logger.Info("host key trusted on first use", "host", hostname, "host_key_fingerprint", fingerprint, "known_hosts", k.path)
	return nil
}
