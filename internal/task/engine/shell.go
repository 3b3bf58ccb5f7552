package engine

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNoShell is returned when no usable shell can be found.
var ErrNoShell = errors.New("no default shell found")

var fallbackShells = []string{"/bin/bash", "/bin/sh", "/bin/zsh"}

// DefaultShell returns $SHELL when it points at an existing file, otherwise
// the first of /bin/bash, /bin/sh and /bin/zsh that exists.
func DefaultShell() (string, error) {
	if runtime.GOOS == "windows" {
		return "", errors.New("shell mode is not supported on windows")
	}
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" && isFile(sh) {
		return sh, nil
	}
	for _, sh := range fallbackShells {
		if isFile(sh) {
			return sh, nil
		}
	}
	if sh, err := exec.LookPath("sh"); err == nil {
		return sh, nil
	}
	return "", ErrNoShell
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// QuoteArg escapes s for a POSIX shell command line. Strings made only of
// safe characters are returned unchanged; everything else is single-quoted.
func QuoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	switch r {
	case '@', '%', '+', '=', ':', ',', '.', '/', '-', '_':
		return false
	}
	return true
}
