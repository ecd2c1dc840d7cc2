package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ciBoundaryVars name directories CI systems check the repository out into.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// rootMarkers identify a project root.
var rootMarkers = []string{"go.mod", ".git", "coverscan.yaml"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a root marker. Under CI the walk stops at the first
// usable boundary hint; otherwise it stops at $HOME when $HOME is an
// ancestor. With no marker found the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if isCI() {
		boundary = ciBoundary(cwd)
	}
	if boundary == "" {
		if home, err := os.UserHomeDir(); err == nil && within(cwd, home) {
			boundary = home
		}
	}

	dir := cwd
	for {
		for _, m := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS"} {
		if strings.EqualFold(os.Getenv(name), "true") {
			return true
		}
	}
	return false
}

// ciBoundary returns the first boundary hint that is absolute, exists, and
// contains cwd.
func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" || !filepath.IsAbs(v) {
			continue
		}
		clean := filepath.Clean(v)
		if info, err := os.Stat(clean); err != nil || !info.IsDir() {
			continue
		}
		if within(cwd, clean) {
			return clean
		}
	}
	return ""
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
