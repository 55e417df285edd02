package transport

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// DefaultInheritedEnv lists the variables a child inherits from the outlet. Everything
// else must come from the server configuration, so secrets in the outlet's environment
// do not leak into third-party servers.
var DefaultInheritedEnv = defaultInheritedEnv()

func defaultInheritedEnv() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"APPDATA", "HOMEDRIVE", "HOMEPATH", "LOCALAPPDATA", "PATH", "PROCESSOR_ARCHITECTURE",
			"SYSTEMDRIVE", "SYSTEMROOT", "TEMP", "USERNAME", "USERPROFILE",
		}
	}
	return []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}
}

// BuildEnv returns the child environment: inherited defaults, then configured values,
// then extra. Later layers win. The result is sorted.
func BuildEnv(configured, extra map[string]string) []string {
	env := make(map[string]string, len(DefaultInheritedEnv)+len(configured)+len(extra))
	for _, key := range DefaultInheritedEnv {
		value, ok := os.LookupEnv(key)
		if !ok || strings.HasPrefix(value, "()") {
			// skip exported shell functions
			continue
		}
		env[key] = value
	}
	for k, v := range configured {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
