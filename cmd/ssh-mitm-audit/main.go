package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/manfred-kaiser/ssh-mitm/internal/cli"
	"github.com/manfred-kaiser/ssh-mitm/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand(os.Stdout, cli.BuildInfo{
		Version:   version.Resolved(),
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	})
	cmd.SetErr(os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ssh-mitm-audit: %v\n", err)
		code := 1
		var withExitCode interface{ ExitCode() int }
		if errors.As(err, &withExitCode) {
			code = withExitCode.ExitCode()
		}
		stop()
		os.Exit(code)
	}
}
