package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrExists is returned by WriteTemplate when the target already exists.
var ErrExists = errors.New("config file already exists")

// Template renders a commented YAML config with every known key at its
// default.
func Template() string {
	var b strings.Builder
	b.WriteString("# proxybot configuration\n")
	b.WriteString("#\n")
	b.WriteString("# Every key can also be set through the environment, e.g.\n")
	fmt.Fprintf(&b, "# %s=... for storage.dir.\n", EnvVar("storage.dir"))

	section := ""
	for _, k := range Keys {
		name := k.Name
		indent := ""
		if i := strings.IndexByte(name, '.'); i >= 0 {
			if name[:i] != section {
				section = name[:i]
				fmt.Fprintf(&b, "\n%s:\n", section)
			}
			name = name[i+1:]
			indent = "  "
		} else {
			section = ""
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s# %s\n", indent, k.Description)
		fmt.Fprintf(&b, "%s%s: %s\n", indent, name, yamlValue(k.Default))
	}

	b.WriteString("\n# Admin usernames and the chat id that receives their notifications.\n")
	b.WriteString("admins: {}\n")
	b.WriteString("#  alice: \"123456789\"\n")
	return b.String()
}

func yamlValue(s string) string {
	switch {
	case s == "":
		return `""`
	case s == "true" || s == "false":
		return s
	case strings.Trim(s, "0123456789") == "":
		return s
	default:
		return fmt.Sprintf("%q", s)
	}
}

// WriteTemplate writes Template to path. It refuses to overwrite an
// existing file unless force is set.
func WriteTemplate(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600) //nolint:gosec // path is chosen by the operator
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
		return err
	}
	if _, err := f.WriteString(Template()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
