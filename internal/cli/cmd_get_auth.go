package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manfred-kaiser/ssh-mitm/internal/probe"
)

func newGetAuthCommand(deps commandDeps) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "get-auth",
		Short: "List the authentication methods a server offers",
		Long: "get-auth sends a \"none\" authentication request and prints the methods the\n" +
			"server lists in reply, comma separated. Nothing is printed when the list is empty.\n" +
			"A server that accepts \"none\" is reported as none-accepted.",
		Example: "  ssh-mitm-audit get-auth --host 10.0.0.5\n" +
			"  ssh-mitm-audit --probe-user admin get-auth --host bastion --port 2222",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("get-auth does not accept positional arguments")
			}
			if strings.TrimSpace(host) == "" {
				return usageErrorf("get-auth requires --host")
			}
			if port < 1 || port > 65535 {
				return usageErrorf("get-auth --port must be between 1 and 65535")
			}

			return withEngine(cmd, deps, func(ctx context.Context, engine *probe.Engine) error {
				report, err := engine.ListMethods(ctx, probe.Target{Host: host, Port: port})
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, report)
				}
				if report.Methods == nil || len(report.Methods.Methods) == 0 {
					return nil
				}
				_, err = fmt.Fprintln(deps.out, report.Methods.String())
				return err
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Server hostname or address")
	cmd.Flags().IntVar(&port, "port", probe.DefaultPort, "Server port")
	return cmd
}
