package approval

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	shellMetachars = regexp.MustCompile("[;&|`$<>]")
	controlChars   = regexp.MustCompile(`[\r\n]`)
	quoteChars     = regexp.MustCompile(`["']`)
	bareName       = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

var (
	ErrEmptyExecutable  = errors.New("executable value is empty")
	ErrUnsafeExecutable = errors.New("executable value contains unsafe characters")
)

// SanitizeExecutable validates a raw executable token before resolution.
// Rejects null bytes, control characters, shell metacharacters, quotes and
// leading dashes (option injection). Paths and bare names pass.
func SanitizeExecutable(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyExecutable
	}
	if strings.Contains(trimmed, "\x00") ||
		controlChars.MatchString(trimmed) ||
		shellMetachars.MatchString(trimmed) ||
		quoteChars.MatchString(trimmed) ||
		strings.HasPrefix(trimmed, "-") {
		return "", ErrUnsafeExecutable
	}
	if isLikelyPath(trimmed) {
		return trimmed, nil
	}
	if !bareName.MatchString(trimmed) {
		return "", ErrUnsafeExecutable
	}
	return trimmed, nil
}

func isLikelyPath(value string) bool {
	return strings.HasPrefix(value, ".") ||
		strings.HasPrefix(value, "~") ||
		strings.Contains(value, "/")
}

// ResolveExecutable maps a raw command string to the executable path the
// approval decision is made against. The first whitespace-separated token is
// the executable: absolute paths are taken as given, bare names are searched
// on PATH, and anything unresolvable falls back to the configured shell.
func (s *Store) ResolveExecutable(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return s.shell
	}
	token, err := SanitizeExecutable(fields[0])
	if err != nil {
		return s.shell
	}
	if filepath.IsAbs(token) {
		return filepath.Clean(token)
	}
	if found := lookPath(token); found != "" {
		return found
	}
	return s.shell
}

// lookPath searches PATH for the first existing executable entry.
func lookPath(name string) string {
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return ""
}
