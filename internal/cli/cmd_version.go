package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

// versionReport is what `version` prints. The identification and algorithm
// lists are what a server sees from this build, which matters when reading
// its logs.
type versionReport struct {
	BuildInfo
	GoVersion      string           `json:"go_version"`
	Identification string           `json:"identification"`
	Algorithms     *algorithmReport `json:"algorithms,omitempty"`
}

type algorithmReport struct {
	Kex      []string `json:"kex"`
	HostKeys []string `json:"host_keys"`
	Ciphers  []string `json:"ciphers"`
	MACs     []string `json:"macs"`
}

func newVersionReport(build BuildInfo, withAlgorithms bool) versionReport {
	report := versionReport{
		BuildInfo:      build,
		GoVersion:      runtime.Version(),
		Identification: "SSH-2.0-" + transport.DefaultClientSoftware,
	}
	if withAlgorithms {
		report.Algorithms = &algorithmReport{
			Kex:      transport.SupportedKex(),
			HostKeys: transport.SupportedHostKeys(),
			Ciphers:  transport.SupportedCiphers(),
			MACs:     transport.SupportedMACs(),
		}
	}
	return report
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	var withAlgorithms bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version and supported SSH algorithms",
		Example: "  ssh-mitm-audit version\n" +
			"  ssh-mitm-audit version --algorithms\n" +
			"  ssh-mitm-audit --json version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("version does not accept positional arguments")
			}
			report := newVersionReport(deps.build, withAlgorithms)
			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, report))
			}
			return mapCommandError(writeVersionText(deps, report))
		},
	}
	cmd.Flags().BoolVar(&withAlgorithms, "algorithms", false, "also list the supported kex, host key, cipher and MAC algorithms")
	return cmd
}

func writeVersionText(deps commandDeps, report versionReport) error {
	if _, err := fmt.Fprintf(
		deps.out,
		"version=%s commit=%s build_time=%s go=%s identification=%s\n",
		report.Version,
		report.Commit,
		report.BuildTime,
		report.GoVersion,
		report.Identification,
	); err != nil {
		return err
	}
	if report.Algorithms == nil {
		return nil
	}
	for _, row := range []struct {
		name  string
		algos []string
	}{
		{"kex", report.Algorithms.Kex},
		{"host_keys", report.Algorithms.HostKeys},
		{"ciphers", report.Algorithms.Ciphers},
		{"macs", report.Algorithms.MACs},
	} {
		if _, err := fmt.Fprintf(deps.out, "%s=%s\n", row.name, strings.Join(row.algos, ",")); err != nil {
			return err
		}
	}
	return nil
}
