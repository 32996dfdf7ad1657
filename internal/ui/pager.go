package ui

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// PagerOptions controls pager behavior
type PagerOptions struct {
	// NoPager disables the pager (--no-pager flag)
	NoPager bool
}

// shouldUsePager is false when disabled by option or PROXYBOT_NO_PAGER, or
// when w is not an interactive stdout.
func shouldUsePager(w io.Writer, opts PagerOptions) bool {
	if opts.NoPager || os.Getenv("PROXYBOT_NO_PAGER") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok || f != os.Stdout {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// pagerCommand checks PROXYBOT_PAGER, then PAGER, defaulting to less.
func pagerCommand() string {
	if pager := os.Getenv("PROXYBOT_PAGER"); pager != "" {
		return pager
	}
	if pager := os.Getenv("PAGER"); pager != "" {
		return pager
	}
	return "less"
}

func terminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return height
}

// Page writes content to w, through a pager when w is the terminal and the
// content does not fit on one screen.
func Page(w io.Writer, content string, opts PagerOptions) error {
	if !shouldUsePager(w, opts) {
		_, err := io.WriteString(w, content)
		return err
	}
	if h := terminalHeight(); h > 0 && strings.Count(content, "\n") < h {
		_, err := io.WriteString(w, content)
		return err
	}

	parts := strings.Fields(pagerCommand())
	if len(parts) == 0 {
		_, err := io.WriteString(w, content)
		return err
	}
	cmd := exec.Command(parts[0], parts[1:]...) // #nosec G204 - pager command is user-configurable by design
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// -R keeps colors, -F quits when it fits, -X leaves the screen alone.
	cmd.Env = os.Environ()
	if os.Getenv("LESS") == "" {
		cmd.Env = append(cmd.Env, "LESS=-RFX")
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pager %s: %w", parts[0], err)
	}
	return nil
}
