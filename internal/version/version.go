// Package version carries build metadata stamped in with -ldflags, for example
//
//	go build -ldflags "-X gatekeeper/internal/version.Version=v1.4.0 -X gatekeeper/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	Version   = "unknown"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Info is the build metadata plus per-process identity. InstanceID tells
// replicas apart in logs and traces when several share one state store.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the process's Info, computed once.
func GetInfo() Info {
	once.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.NewString(),
			Hostname:   hostname,
		}
	})
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("gatekeeper %s (commit %s, built %s)", i.Version, i.GitCommit, i.BuildDate)
}
