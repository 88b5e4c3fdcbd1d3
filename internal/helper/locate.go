package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Well-known helper binary names.
const (
	DeckLinkHelper = "decklink-helper"
	DisplayHelper  = "display-helper"
)

// Locate resolves a helper binary by name. Search order: the explicit
// override directory (config), $BRIDGE_HELPER_DIR, the directory of the
// running executable (packaged layout), then native/<os>-<arch>/ under
// the working directory (development layout). The first existing
// executable candidate wins.
func Locate(name, override string) (string, error) {
	dirs := []string{
		override,
		os.Getenv("BRIDGE_HELPER_DIR"),
		executableDir(),
		filepath.Join("native", runtime.GOOS+"-"+runtime.GOARCH),
	}

	var tried []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if isExecutable(path) {
			return path, nil
		}
		tried = append(tried, path)
	}
	return "", fmt.Errorf("%w: %s (tried: %s)", ErrNotFound, name, strings.Join(tried, ", "))
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return false
	}
	return st.Mode()&0o111 != 0
}
