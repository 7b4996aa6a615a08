package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"
)

const rootName = "ssh-mitm-audit"

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// GlobalOptions are the persistent flags shared by every command. Probe
// settings here override the config file and environment only when the
// flag was given explicitly.
type GlobalOptions struct {
	ConfigPath     string
	JSON           bool
	Quiet          bool
	Timeout        time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	HostKeyPolicy  string
	KnownHosts     string
	Pins           []string
	LogLevel       string
	ProbeUser      string
}

type commandDeps struct {
	out     io.Writer
	build   BuildInfo
	globals *GlobalOptions
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{out: out, build: build, globals: globals}

	cmd := &cobra.Command{
		Use:   rootName,
		Short: "Audit SSH servers for accepted public keys and offered auth methods",
		Long: "ssh-mitm-audit connects to an SSH server, completes the key exchange and asks the\n" +
			"user authentication layer what it would accept, without ever authenticating.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Path to the TOML config file")
	flags.BoolVar(&globals.JSON, "json", false, "Print the full probe report as JSON")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Only log errors")
	flags.DurationVar(&globals.Timeout, "timeout", 0, "Overall deadline for the command (0 disables)")
	flags.DurationVar(&globals.ConnectTimeout, "connect-timeout", 0, "TCP connect timeout")
	flags.DurationVar(&globals.ReadTimeout, "read-timeout", 0, "Timeout for each protocol exchange")
	flags.StringVar(&globals.HostKeyPolicy, "host-key-policy", "", "Host key policy: accept, pinned, strict or tofu")
	flags.StringVar(&globals.KnownHosts, "known-hosts", "", "known_hosts file for the strict and tofu policies")
	flags.StringArrayVar(&globals.Pins, "pin", nil, "Pinned host key fingerprint (repeatable)")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&globals.ProbeUser, "probe-user", "", "Username sent when listing auth methods")

	cmd.AddCommand(
		newCheckPublicKeyCommand(deps),
		newGetAuthCommand(deps),
		newVersionCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}
