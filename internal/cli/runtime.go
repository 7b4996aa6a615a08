package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manfred-kaiser/ssh-mitm/internal/config"
	"github.com/manfred-kaiser/ssh-mitm/internal/hostkey"
	applog "github.com/manfred-kaiser/ssh-mitm/internal/log"
	"github.com/manfred-kaiser/ssh-mitm/internal/probe"
)

var (
	loadConfigFn = config.Load
	newLoggerFn  = applog.New
)

// withEngine loads configuration, builds the logger, host key verifier and
// probe engine, and runs fn under the --timeout deadline.
func withEngine(cmd *cobra.Command, deps commandDeps, fn func(context.Context, *probe.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.globals != nil && deps.globals.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.globals.Timeout)
		defer cancel()
	}

	cfg, report, err := loadConfigFn(buildLoadOptions(cmd, deps.globals))
	if err != nil {
		return mapCommandError(fmt.Errorf("load config: %w", err))
	}

	logger, closer, err := newLoggerFn(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Writer:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return mapCommandError(fmt.Errorf("init logging: %w", err))
	}
	defer closer.Close()
	logger.Debug("config loaded", "path", report.ConfigPath, "file_loaded", report.FileLoaded)

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return mapCommandError(err)
	}
	return mapCommandError(fn(ctx, engine))
}

func newEngine(cfg config.Config, logger *slog.Logger) (*probe.Engine, error) {
	verifier, err := hostkey.New(hostkey.Options{
		Policy:         cfg.HostKey.Policy,
		KnownHostsFile: cfg.HostKey.KnownHostsFile,
		Pins:           cfg.HostKey.Pinned,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("host key policy %s: %w", cfg.HostKey.Policy, err)
	}
	return probe.NewEngine(probe.Config{
		ConnectTimeout:  cfg.Probe.ConnectTimeout,
		ReadTimeout:     cfg.Probe.ReadTimeout,
		ClientSoftware:  cfg.Probe.ClientSoftware,
		EnumerationUser: cfg.Probe.EnumerationUser,
		Algorithms:      cfg.Algorithms.Preferences(),
		HostKeyVerifier: verifier,
		Logger:          logger,
	})
}

// buildLoadOptions forwards only the flags the user set, so unset flags do
// not mask the file or environment.
func buildLoadOptions(cmd *cobra.Command, globals *GlobalOptions) config.LoadOptions {
	opts := config.LoadOptions{}
	if globals == nil {
		return opts
	}
	opts.ConfigPath = strings.TrimSpace(globals.ConfigPath)

	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	flags := &opts.Flags
	if changed("connect-timeout") {
		flags.ConnectTimeout = &globals.ConnectTimeout
	}
	if changed("read-timeout") {
		flags.ReadTimeout = &globals.ReadTimeout
	}
	if changed("probe-user") {
		flags.EnumerationUser = &globals.ProbeUser
	}
	if changed("host-key-policy") {
		flags.HostKeyPolicy = &globals.HostKeyPolicy
	}
	if changed("known-hosts") {
		flags.KnownHostsFile = &globals.KnownHosts
	}
	if changed("pin") {
		flags.Pinned = globals.Pins
	}
	switch {
	case changed("log-level"):
		flags.LogLevel = &globals.LogLevel
	case globals.Quiet:
		level := "error"
		flags.LogLevel = &level
	}
	return opts
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
