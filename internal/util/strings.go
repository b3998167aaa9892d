package util

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// This is the coalesce step of config loading: every optional string in
// [runtime] and the proxy sections goes through it, so a key written as
// `ssh_binary = ""` behaves like an absent key.
//
// Examples:
//
//	DefaultString("root", "user")  → "root"   // non-empty → kept
//	DefaultString("",     "user")  → "user"   // empty → fallback
//	DefaultString("  ",   "user")  → "user"   // whitespace-only → fallback
//	DefaultString(" ssh", "user")  → " ssh"   // not trimmed when kept
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" for blank strings and s unchanged otherwise.
//
// Call sites:
//   - internal/cli/inspect.go (newStatusCmd): the LAST LOG column of the
//     status table, which is blank before a tunnel has logged anything.
//
// Examples:
//
//	EmptyDash("restart attempt")  → "restart attempt"
//	EmptyDash("")                 → "-"
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// DefaultInt returns fallback when v is not positive.
//
// Zero and negative values both mean "unset" here, which suits ports,
// intervals and counters. Settings where zero is meaningful, such as
// initial_grace_seconds, are defaulted by hand in appconfig.
//
// Examples:
//
//	DefaultInt(2222, 22)  → 2222
//	DefaultInt(0,    22)  → 22
//	DefaultInt(-1,   22)  → 22
func DefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// ExpandHome replaces a leading "~" with the user's home directory.
//
// Only "~" and "~/..." are expanded; "~alice/..." is left alone. If the home
// directory cannot be determined the path is returned unchanged and the
// later open reports the error.
//
// Examples (home is /home/dev):
//
//	ExpandHome("~/.config/sshp.toml")  → "/home/dev/.config/sshp.toml"
//	ExpandHome("~")                    → "/home/dev"
//	ExpandHome("/etc/sshp.toml")       → "/etc/sshp.toml"
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
