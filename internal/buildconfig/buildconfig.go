package buildconfig

// Injected at build time via -ldflags "-X ...".
var (
	version = "dev"
	commit  = "unknown"
)

// Info identifies a build; the zero values mean a local dev build.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func Current() Info {
	return Info{Version: version, Commit: commit}
}

func Version() string { return version }

func Commit() string { return commit }
