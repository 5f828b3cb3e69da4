package main

import (
	"runtime/debug"
)

// version is set at startup based on the Go module used to build.
var version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = buildInfo.Main.Version
	if version != "(devel)" {
		return
	}
	var vcsRev, vcsMod string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRev = setting.Value
		case "vcs.modified":
			vcsMod = setting.Value
		}
	}
	if vcsRev == "" {
		return
	}
	version = vcsRev
	switch vcsMod {
	case "false":
	case "true":
		version += "+modifications"
	default:
		version += "+unknown"
	}
}
