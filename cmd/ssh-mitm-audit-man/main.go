package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/manfred-kaiser/ssh-mitm/internal/cli"
	"github.com/manfred-kaiser/ssh-mitm/internal/version"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "dist/man", "output directory for generated man pages")
	flag.Parse()

	err := cli.GenerateManPages(outDir, cli.BuildInfo{
		Version:   version.Resolved(),
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ssh-mitm-audit-man: %v\n", err)
		os.Exit(1)
	}
}
