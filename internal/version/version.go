// Package version reports build information set through -ldflags, falling
// back to the module and VCS data the Go toolchain embeds.
package version

import "runtime/debug"

// Set with -ldflags "-X github.com/samcharles93/strata/internal/version.Version=...".
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

// devVersion names builds that carry neither a release tag nor VCS data.
const devVersion = "dev"

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

func Resolve() Info {
	return resolve(debug.ReadBuildInfo)
}

// resolve fills every field left empty by -ldflags from the embedded build
// info. A (devel) module version is replaced by the commit time.
func resolve(read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}

	vcs := map[string]string{}
	if bi, ok := read(); ok && bi != nil {
		for _, s := range bi.Settings {
			vcs[s.Key] = s.Value
		}
		if info.Version == "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	info.Commit = firstNonEmpty(info.Commit, vcs["vcs.revision"])
	info.BuildTime = firstNonEmpty(info.BuildTime, vcs["vcs.time"])
	info.Modified = vcs["vcs.modified"] == "true"
	info.Version = firstNonEmpty(info.Version, info.BuildTime, devVersion)
	return info
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// String renders "version (commit[, modified])", or just the version when no
// commit is known.
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	s := info.Version + " (" + shortCommit(info.Commit)
	if info.Modified {
		s += ", modified"
	}
	return s + ")"
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
