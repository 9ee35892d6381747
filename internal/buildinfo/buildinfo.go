// Package buildinfo carries version stamps set with -ldflags at build time:
//
//	go build -ldflags "-X nemtdispatch/internal/buildinfo.Version=v1.2.0 -X nemtdispatch/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"commit":    Commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}

// String is the one-line form printed by `idsctl version`.
func String() string {
	s := Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	if BuiltAt != "" {
		s += " built " + BuiltAt
	}
	return fmt.Sprintf("%s %s", s, runtime.Version())
}
