package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra/doc"
)

// exitStatusSection is appended to the root page; cobra has no dedicated
// man section for it.
var exitStatusSection = strings.Join([]string{
	"",
	"Exit status:",
	fmt.Sprintf("  %d  success, including \"bad key\" results", ExitCodeSuccess),
	fmt.Sprintf("  %d  unexpected failure", ExitCodeGeneric),
	fmt.Sprintf("  %d  usage or configuration error", ExitCodeUsage),
	fmt.Sprintf("  %d  public key file could not be read", ExitCodeIO),
	fmt.Sprintf("  %d  public key could not be parsed", ExitCodeKeyParse),
	fmt.Sprintf("  %d  connect or handshake failure", ExitCodeNetwork),
	fmt.Sprintf("  %d  host key rejected by policy", ExitCodeHostKeyRejected),
	fmt.Sprintf("  %d  server is not SSH 2.0 or broke the auth protocol", ExitCodeProtocol),
}, "\n")

// GenerateManPages writes one page per command into outDir. The page date is
// taken from the build time so release builds are reproducible.
func GenerateManPages(outDir string, build BuildInfo) error {
	if strings.TrimSpace(outDir) == "" {
		return fmt.Errorf("man output directory is required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create man output directory: %w", err)
	}

	root := NewRootCommand(io.Discard, build)
	root.DisableAutoGenTag = true
	root.Long += "\n" + exitStatusSection
	header := &doc.GenManHeader{
		Title:   strings.ToUpper(rootName),
		Section: "1",
		Source:  rootName + " " + build.Version,
		Manual:  "SSH Audit Manual",
	}
	if built, err := time.Parse(time.RFC3339, build.BuildTime); err == nil {
		header.Date = &built
	}

	if err := doc.GenManTree(root, header, outDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}
	return nil
}
