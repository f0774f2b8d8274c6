package version

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

// Populated via -ldflags at release build time.
var (
	Name        = "helmsman"
	Description = "Inference traffic orchestrator"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "unknown"
)

const (
	GithubHomeText = "github.com/nareth/helmsman"
	GithubHomeUri  = "https://github.com/nareth/helmsman"
)

// Banner renders the startup splash. Extended adds build metadata.
func Banner(extended bool) string {
	var b strings.Builder

	splash := pterm.NewStyle(pterm.FgCyan)
	b.WriteString(splash.Sprint(`
  _          _
 | |_  ___ | | _ __  ___ _ __  __ _ _ _
 | ' \/ -_)| || '  \(_-<| '  \/ _' | ' \
 |_||_\___||_||_|_|_/__/|_|_|_\__,_|_||_|
`))
	b.WriteString("\n ")
	b.WriteString(pterm.NewStyle(pterm.FgLightBlue, pterm.Underscore).Sprint(GithubHomeUri))
	b.WriteString("  ")
	b.WriteString(pterm.NewStyle(pterm.FgLightGreen).Sprint(Version))
	b.WriteString("\n")

	if extended {
		b.WriteString(fmt.Sprintf("\n Commit: %s\n  Built: %s\n", Commit, Date))
	}
	return b.String()
}
