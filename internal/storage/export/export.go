// Package export converts directory snapshots to and from portable
// documents (JSON, YAML, TOML) for backups and backend migrations.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/circlerelay/proxybot/internal/storage"
)

// Format names a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat accepts a format name, case-insensitively. "yml" is YAML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unknown format %q (supported: json, yaml, toml)", s)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot infer format of %q: no extension", path)
	}
	return ParseFormat(ext)
}

// Encode writes snap to w.
func Encode(w io.Writer, snap *storage.Snapshot, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	case FormatTOML:
		return toml.NewEncoder(w).Encode(snap)
	}
	return fmt.Errorf("unknown format %q", format)
}

// Decode reads a snapshot from r and checks its invariants.
func Decode(r io.Reader, format Format) (*storage.Snapshot, error) {
	snap := storage.NewSnapshot()
	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(snap)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(snap)
		if err == io.EOF {
			err = nil
		}
	case FormatTOML:
		_, err = toml.NewDecoder(r).Decode(snap)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	snap.Normalize()
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return snap, nil
}
