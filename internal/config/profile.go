package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// ResolveProfileRoot picks the directory that holds the persistent browser
// profiles. Candidates are tried in order and the first writable one wins:
// the explicit setting, ./.cartpilot/profiles, then a temp-dir fallback.
func ResolveProfileRoot(explicit string) (string, error) {
	var candidates []string

	if explicit != "" {
		expanded, err := homedir.Expand(explicit)
		if err != nil {
			return "", fmt.Errorf("invalid profile dir %q: %w", explicit, err)
		}
		candidates = append(candidates, expanded)
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".cartpilot", "profiles"))
	}
	candidates = append(candidates, filepath.Join(os.TempDir(), "cartpilot", "profiles"))

	var errs []error
	for _, dir := range candidates {
		if err := ensureWritable(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return dir, nil
		}
		return abs, nil
	}
	return "", fmt.Errorf("no writable profile directory: %w", errors.Join(errs...))
}

// ProfileDir is the per-retailer profile inside root.
func ProfileDir(root, retailer string) string {
	return filepath.Join(root, retailer)
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
