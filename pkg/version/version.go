package version

import (
	"fmt"
	"runtime"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/milan604/rtl433dp-console/pkg/version.Version=v1.2.0"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Go      = runtime.Version()
)

// Info is the build metadata served by /version.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Go      string `json:"go"`
}

func Get() Info {
	return Info{Version: Version, Commit: Commit, Date: Date, Go: Go}
}

func (i Info) String() string {
	if i.Commit == "" {
		return fmt.Sprintf("%s (%s)", i.Version, i.Go)
	}
	return fmt.Sprintf("%s (%s, %s, %s)", i.Version, i.Commit, i.Date, i.Go)
}
