// Package version хранит сведения о сборке. Значения проставляются через -ldflags:
//
//	-X github.com/vladislavdragonenkov/marketplace/internal/version.version=1.4.0
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает собранный бинарник.
type Build struct {
	Version string
	Commit  string
	Date    string
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Fields отдаёт те же сведения в виде полей лога.
func (b Build) Fields() map[string]any {
	return map[string]any{"version": b.Version, "commit": b.Commit, "build_date": b.Date}
}

var readBuildInfo = sync.OnceValue(func() map[string]string {
	settings := make(map[string]string)
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
	}
	return settings
})

// Current возвращает сведения о сборке. Если commit и date не проставлены через -ldflags,
// они берутся из VCS-меток, которые go build записывает в бинарник.
func Current() Build {
	b := Build{Version: version, Commit: commit, Date: date}
	vcs := readBuildInfo()
	if b.Commit == "unknown" && vcs["vcs.revision"] != "" {
		b.Commit = vcs["vcs.revision"]
		if vcs["vcs.modified"] == "true" {
			b.Commit += "-dirty"
		}
	}
	if b.Date == "unknown" && vcs["vcs.time"] != "" {
		b.Date = vcs["vcs.time"]
	}
	return b
}

// ClientID собирает идентификатор клиента для брокера и трейсинга: "<service>/<version>".
func ClientID(service string) string {
	if service == "" {
		service = "marketplace"
	}
	return service + "/" + version
}
