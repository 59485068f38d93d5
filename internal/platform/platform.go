// Package platform maps the host operating system to the candidate
// application-data directories of the target editor.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/adrg/xdg"
)

// Family is the coarse OS classification used for path resolution.
type Family string

const (
	FamilyWindows Family = "windows"
	FamilyDarwin  Family = "darwin"
	FamilyPosix   Family = "posix"
)

// products are the editor distributions whose per-user state is
// searched. Each keeps its state under <config>/<product>/User.
var products = []string{
	"Code",
	"Code - Insiders",
	"VSCodium",
}

// Classify maps a GOOS value to a path-resolution family. Any
// non-Windows, non-macOS system is treated as POSIX.
func Classify(goos string) (Family, error) {
	switch goos {
	case "windows":
		return FamilyWindows, nil
	case "darwin":
		return FamilyDarwin, nil
	case "linux", "freebsd", "openbsd", "netbsd", "solaris":
		return FamilyPosix, nil
	}
	return "", fmt.Errorf("cannot classify operating system %q", goos)
}

// Roots returns the candidate editor data roots for the current host.
// Missing directories are filtered out; resolving zero roots is left to
// the caller to judge.
func Roots() ([]string, error) {
	family, err := Classify(runtime.GOOS)
	if err != nil {
		return nil, err
	}

	base, err := configBase(family)
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, product := range products {
		root := filepath.Join(base, product, "User")
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			roots = append(roots, root)
		}
	}
	return roots, nil
}

// configBase returns the directory under which editor products keep
// their per-user configuration for the given family.
func configBase(family Family) (string, error) {
	switch family {
	case FamilyWindows:
		appdata := os.Getenv("APPDATA")
		if appdata == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return appdata, nil
	case FamilyDarwin, FamilyPosix:
		// xdg resolves to ~/Library/Application Support on macOS and
		// ~/.config (or $XDG_CONFIG_HOME) elsewhere.
		return xdg.ConfigHome, nil
	}
	return "", fmt.Errorf("unknown platform family %q", family)
}
