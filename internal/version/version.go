package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/ttyx"

// buildVersion is set via -ldflags "-X pkt.systems/ttyx/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String renders the info on one line.
func (i Info) String() string {
	out := fmt.Sprintf("%s %s (%s, %s)", i.Module, i.Version, i.GoVersion, i.Platform)
	if i.Revision != "" {
		out += " rev " + i.Revision
	}
	return out
}

// Read gathers version details from build info.
func Read() Info {
	info := Info{
		Module:    Module(),
		Version:   CurrentWithDirty(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Revision = shortRevision(setting(bi, "vcs.revision"))
	}
	return info
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return currentFromBuildInfo(false)
}

// CurrentWithDirty returns the best available version string (including dirty suffix when available).
func CurrentWithDirty() string {
	return currentFromBuildInfo(true)
}

// Module returns the module path from build info when available.
func Module() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func currentFromBuildInfo(includeDirty bool) string {
	if strings.TrimSpace(buildVersion) != "" {
		return normalizeVersion(buildVersion, includeDirty)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return normalizeVersion(v, includeDirty)
		}
		if v := pseudoFromBuildInfo(bi, includeDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func normalizeVersion(v string, includeDirty bool) string {
	value := strings.TrimSpace(v)
	if includeDirty {
		return value
	}
	return strings.TrimSuffix(value, "+dirty")
}

func setting(bi *debug.BuildInfo, key string) string {
	for _, s := range bi.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func pseudoFromBuildInfo(bi *debug.BuildInfo, includeDirty bool) string {
	if bi == nil {
		return ""
	}
	revision := setting(bi, "vcs.revision")
	vcsTime := setting(bi, "vcs.time")
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(revision)
	if includeDirty && setting(bi, "vcs.modified") == "true" {
		ver += "+dirty"
	}
	return ver
}
