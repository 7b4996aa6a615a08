package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manfred-kaiser/ssh-mitm/internal/auth"
	"github.com/manfred-kaiser/ssh-mitm/internal/probe"
	"github.com/manfred-kaiser/ssh-mitm/internal/pubkey"
)

const (
	outputValidKey = "valid key"
	outputBadKey   = "bad key"
)

func newCheckPublicKeyCommand(deps commandDeps) *cobra.Command {
	var (
		host      string
		port      int
		username  string
		publicKey string
	)

	cmd := &cobra.Command{
		Use:   "check-publickey",
		Short: "Check whether a server would accept a public key for a user",
		Long: "check-publickey sends a publickey query without a signature. The server answers\n" +
			"whether it would accept a signature from the key; no private key is needed.\n" +
			"Anything other than acceptance prints \"bad key\"; use --json for the reason.",
		Example: "  ssh-mitm-audit check-publickey --host 10.0.0.5 --username root --public-key ~/.ssh/id_ed25519.pub\n" +
			"  ssh-mitm-audit --json check-publickey --host bastion --port 2222 --username deploy --public-key deploy.pub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("check-publickey does not accept positional arguments")
			}
			if strings.TrimSpace(host) == "" {
				return usageErrorf("check-publickey requires --host")
			}
			if port < 1 || port > 65535 {
				return usageErrorf("check-publickey --port must be between 1 and 65535")
			}
			if username == "" {
				return usageErrorf("check-publickey requires --username")
			}
			if strings.TrimSpace(publicKey) == "" {
				return usageErrorf("check-publickey requires --public-key")
			}

			key, err := pubkey.ReadFile(publicKey)
			if err != nil {
				return mapCommandError(fmt.Errorf("read public key: %w", err))
			}

			return withEngine(cmd, deps, func(ctx context.Context, engine *probe.Engine) error {
				report, err := engine.CheckPublicKey(ctx, probe.Target{Host: host, Port: port}, username, key)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, report)
				}
				verdict := outputBadKey
				if report.Check != nil && report.Check.Verdict == auth.Accepted {
					verdict = outputValidKey
				}
				_, err = fmt.Fprintln(deps.out, verdict)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Server hostname or address")
	cmd.Flags().IntVar(&port, "port", probe.DefaultPort, "Server port")
	cmd.Flags().StringVar(&username, "username", "", "Username to check the key for")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Public key file (authorized_keys or RFC 4716 format)")
	return cmd
}
