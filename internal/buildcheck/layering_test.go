package buildcheck

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/manfred-kaiser/ssh-mitm"

func TestGoVetProducesNoWarnings(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	cmd := exec.Command("go", "vet", "./...")
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "go vet failed:\n%s", string(output))
}

// The probe layers only ever look downwards: transport knows nothing of
// authentication, and neither knows about the engine, config or CLI.
func TestProbeLayering(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	forbidden := map[string][]string{
		"./internal/transport": {"internal/auth", "internal/probe", "internal/hostkey", "internal/config", "internal/cli", "internal/log"},
		"./internal/auth":      {"internal/probe", "internal/hostkey", "internal/config", "internal/cli", "internal/log"},
		"./internal/pubkey":    {"internal/transport", "internal/auth", "internal/probe", "internal/cli"},
		"./internal/probe":     {"internal/config", "internal/cli", "internal/log"},
	}
	for target, denied := range forbidden {
		deps := listDependencies(t, root, target)
		for _, d := range denied {
			require.NotContainsf(t, deps, modulePath+"/"+d, "%s must not depend on %s", target, d)
		}
	}
}

// Probes never hold private keys, so nothing may pull in the agent protocol.
func TestNoAgentDependency(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	for pkg, imports := range listDirectImports(t, root, "./...") {
		require.Falsef(t, slices.Contains(imports, "golang.org/x/crypto/ssh/agent"),
			"package %s imports the ssh agent protocol", pkg)
	}
}

func TestTransportImportsOnlyCrypto(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)

	for pkg, imports := range listDirectImports(t, root, "./internal/transport") {
		for _, imp := range imports {
			if isStdlib(imp) || strings.HasPrefix(imp, "golang.org/x/crypto") {
				continue
			}
			t.Fatalf("package %s imported disallowed dependency %q", pkg, imp)
		}
	}
}

func TestVersionEmbedding(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)
	binaryPath := filepath.Join(t.TempDir(), "ssh-mitm-audit-test")

	version := "v0.1.0-test"
	commit := "abc123def456"
	buildTime := "2026-02-19T00:00:00Z"

	build := exec.Command(
		"go",
		"build",
		"-trimpath",
		"-ldflags",
		"-X "+modulePath+"/internal/version.Version="+version+
			" -X "+modulePath+"/internal/version.Commit="+commit+
			" -X "+modulePath+"/internal/version.BuildTime="+buildTime,
		"-o",
		binaryPath,
		"./cmd/ssh-mitm-audit",
	)
	build.Dir = root
	buildOutput, err := build.CombinedOutput()
	require.NoErrorf(t, err, "build failed:\n%s", string(buildOutput))

	run := exec.Command(binaryPath, "--json", "version")
	run.Dir = root
	stdout, err := run.Output()
	require.NoErrorf(t, err, "running binary failed:\n%s", string(stdout))

	var got struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	}
	require.NoError(t, json.Unmarshal(stdout, &got))
	require.Equal(t, version, got.Version)
	require.Equal(t, commit, got.Commit)
	require.Equal(t, buildTime, got.BuildTime)
}

func TestBinaryExitsWithUsageCode(t *testing.T) {
	t.Parallel()
	root := repoRoot(t)
	binaryPath := filepath.Join(t.TempDir(), "ssh-mitm-audit-test")

	build := exec.Command("go", "build", "-o", binaryPath, "./cmd/ssh-mitm-audit")
	build.Dir = root
	output, err := build.CombinedOutput()
	require.NoErrorf(t, err, "build failed:\n%s", string(output))

	run := exec.Command(binaryPath, "get-auth")
	output, err = run.CombinedOutput()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.ExitCode())
	require.Contains(t, string(output), "get-auth requires --host")
}

func listDependencies(t *testing.T, root string, target string) []string {
	t.Helper()
	cmd := exec.Command("go", "list", "-deps", target)
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "go list failed:\n%s", string(output))

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	deps := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		deps = append(deps, line)
	}
	return deps
}

func listDirectImports(t *testing.T, root, pattern string) map[string][]string {
	t.Helper()
	cmd := exec.Command("go", "list", "-json", pattern)
	cmd.Dir = root
	output, err := cmd.Output()
	require.NoErrorf(t, err, "go list -json failed:\n%s", string(output))

	dec := json.NewDecoder(strings.NewReader(string(output)))
	importsByPkg := map[string][]string{}
	for {
		var p struct {
			ImportPath string
			Imports    []string
		}
		err := dec.Decode(&p)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		importsByPkg[p.ImportPath] = append([]string(nil), p.Imports...)
	}
	return importsByPkg
}

func isStdlib(importPath string) bool {
	first := importPath
	if idx := strings.Index(importPath, "/"); idx > -1 {
		first = importPath[:idx]
	}
	return !strings.Contains(first, ".")
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
	_, err := os.Stat(filepath.Join(root, "go.mod"))
	require.NoError(t, err)
	return root
}
