package logging

import (
	"fmt"
	"strings"
)

// Level is a log severity aligned with RFC 5424. OFF disables emission
// entirely and is only valid as a threshold, never on an entry.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelOff
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
	LevelOff:   "OFF",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel parses a level name, case-insensitively. WARNING is accepted
// as an alias for WARN.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	case "OFF":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Log categories. Every entry carries exactly one.
const (
	CategoryHTTP      = "http"
	CategoryAuth      = "auth"
	CategoryUser      = "scim.user"
	CategoryGroup     = "scim.group"
	CategoryPatch     = "scim.patch"
	CategoryFilter    = "scim.filter"
	CategoryDiscovery = "scim.discovery"
	CategoryEndpoint  = "endpoint"
	CategoryDatabase  = "database"
	CategoryBackup    = "backup"
	CategoryOAuth     = "oauth"
	CategoryGeneral   = "general"
)

// Categories lists every known category in a stable order.
func Categories() []string {
	return []string{
		CategoryHTTP, CategoryAuth, CategoryUser, CategoryGroup,
		CategoryPatch, CategoryFilter, CategoryDiscovery, CategoryEndpoint,
		CategoryDatabase, CategoryBackup, CategoryOAuth, CategoryGeneral,
	}
}
