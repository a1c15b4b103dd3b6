package logging

import (
	"fmt"
	"strings"

	golog "github.com/textileio/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetLogLevels sets levels for the given systems. The "*" system applies to every
// registered subsystem.
func SetLogLevels(systems map[string]golog.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level)
		if sys == "*" {
			for _, s := range golog.GetSubsystems() {
				if err := golog.SetLogLevel(s, l.CapitalString()); err != nil {
					return err
				}
			}
			continue
		}
		if err := golog.SetLogLevel(sys, l.CapitalString()); err != nil {
			return err
		}
	}
	return nil
}

// ParseFilters parses filters of the form "system:level", e.g. "auctiond/consensus:debug".
func ParseFilters(filters []string) (map[string]golog.LogLevel, error) {
	levels := make(map[string]golog.LogLevel, len(filters))
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		i := strings.LastIndex(f, ":")
		if i <= 0 || i == len(f)-1 {
			return nil, fmt.Errorf("invalid log filter %q", f)
		}
		level, err := golog.LevelFromString(f[i+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid level in log filter %q: %v", f, err)
		}
		levels[f[:i]] = level
	}
	return levels, nil
}
