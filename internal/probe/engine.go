// Package probe runs authentication probes against SSH servers. Each probe
// opens its own transport session, asks one question and closes the session
// again, whatever the outcome.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manfred-kaiser/ssh-mitm/internal/auth"
	"github.com/manfred-kaiser/ssh-mitm/internal/hostkey"
	"github.com/manfred-kaiser/ssh-mitm/internal/pubkey"
	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

const DefaultPort = transport.DefaultPort

type Target struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func (t Target) withDefaults(cfg Config) Target {
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = cfg.ConnectTimeout
	}
	if t.ReadTimeout <= 0 {
		t.ReadTimeout = cfg.ReadTimeout
	}
	return t
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return errors.New("target host is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("target port %d out of range", t.Port)
	}
	return nil
}

func (t Target) Addr() string {
	return transport.Target{Host: t.Host, Port: t.Port}.Addr()
}

type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ClientSoftware string
	// EnumerationUser is sent with the "none" request of ListMethods.
	EnumerationUser string
	Algorithms      transport.AlgorithmPreferences
	// HostKeyVerifier defaults to a hostkey.Recorder.
	HostKeyVerifier transport.HostKeyVerifier
	Logger          *slog.Logger
	Rand            io.Reader
	DialContext     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Engine is safe for concurrent use; probes share nothing but the host key
// verifier.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = transport.DefaultReadTimeout
	}
	if cfg.EnumerationUser == "" {
		cfg.EnumerationUser = auth.DefaultEnumerationUser
	}
	if err := cfg.Algorithms.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.HostKeyVerifier == nil {
		cfg.HostKeyVerifier = hostkey.NewRecorder(cfg.Logger)
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}, nil
}

// Report describes one probe. Methods is set by ListMethods, Check by
// CheckPublicKey.
type Report struct {
	ID             uuid.UUID            `json:"id"`
	Host           string               `json:"host"`
	Port           int                  `json:"port"`
	ServerVersion  string               `json:"server_version,omitempty"`
	HostKey        hostkey.Info         `json:"host_key"`
	Algorithms     transport.Algorithms `json:"algorithms"`
	Username       string               `json:"username,omitempty"`
	KeyFingerprint string               `json:"key_fingerprint,omitempty"`
	Methods        *auth.MethodSet      `json:"methods,omitempty"`
	Check          *auth.Result         `json:"check,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	Duration       time.Duration        `json:"duration_ns"`
}

// ListMethods reports the authentication methods target offers.
func (e *Engine) ListMethods(ctx context.Context, target Target) (Report, error) {
	report, err := e.run(ctx, target, func(ctx context.Context, s *transport.Session, report *Report) error {
		methods, err := auth.ListMethods(ctx, s, e.cfg.EnumerationUser)
		if err != nil {
			return err
		}
		report.Methods = &methods
		return nil
	})
	attrs := []any{"probe_id", report.ID, "host", report.Host, "port", report.Port, "duration", report.Duration}
	if err != nil {
		e.logger.Warn("auth method listing failed", append(attrs, "error", err)...)
		return report, err
	}
	e.logger.Info("auth methods listed", append(attrs, "methods", report.Methods.String())...)
	return report, nil
}

// CheckPublicKey reports whether target would accept key for username.
func (e *Engine) CheckPublicKey(ctx context.Context, target Target, username string, key *pubkey.Material) (Report, error) {
	if username == "" {
		return Report{}, errors.New("username is required")
	}
	if key == nil {
		return Report{}, &pubkey.ParseError{Err: errors.New("no public key given")}
	}
	report, err := e.run(ctx, target, func(ctx context.Context, s *transport.Session, report *Report) error {
		report.Username = username
		report.KeyFingerprint = key.Fingerprint()
		result, err := auth.CheckPublicKey(ctx, s, username, key)
		if err != nil {
			return err
		}
		report.Check = &result
		return nil
	})
	attrs := []any{"probe_id", report.ID, "host", report.Host, "port", report.Port, "user", username,
		"key_fingerprint", key.Fingerprint(), "duration", report.Duration}
	if err != nil {
		e.logger.Warn("public key check failed", append(attrs, "error", err)...)
		return report, err
	}
	e.logger.Info("public key checked", append(attrs, "verdict", report.Check.Verdict, "reason", report.Check.Reason)...)
	return report, nil
}

type probeFunc func(ctx context.Context, s *transport.Session, report *Report) error

// run opens a session, hands it to fn and always closes it.
func (e *Engine) run(ctx context.Context, target Target, fn probeFunc) (Report, error) {
	target = target.withDefaults(e.cfg)
	report := Report{
		ID:        uuid.New(),
		Host:      target.Host,
		Port:      target.Port,
		StartedAt: time.Now().UTC(),
	}
	if err := target.Validate(); err != nil {
		return report, err
	}
	logger := e.logger.With("probe_id", report.ID)

	s, err := transport.Open(ctx, transport.Target{
		Host:           target.Host,
		Port:           target.Port,
		ConnectTimeout: target.ConnectTimeout,
		ReadTimeout:    target.ReadTimeout,
	}, transport.Options{
		HostKeyVerifier: e.cfg.HostKeyVerifier,
		ClientSoftware:  e.cfg.ClientSoftware,
		Algorithms:      e.cfg.Algorithms,
		Logger:          logger,
		Rand:            e.cfg.Rand,
		DialContext:     e.cfg.DialContext,
	})
	if err != nil {
		report.Duration = time.Since(report.StartedAt)
		return report, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Debug("close session", "error", cerr)
		}
	}()

	report.ServerVersion = s.ServerVersion()
	report.HostKey = hostkey.Describe(s.HostKey())
	report.Algorithms = s.Algorithms()

	err = fn(ctx, s, &report)
	report.Duration = time.Since(report.StartedAt)
	return report, err
}
