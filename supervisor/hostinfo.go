package supervisor

import (
	"sync"

	"github.com/matishsiao/goInfo"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

var (
	hostPlatformOnce sync.Once
	hostPlatform     string
)

// hostPlatformString captures the host OS/platform once per process
// and caches it, for attaching to published device records as support
// diagnostics (§3 DOMAIN STACK). It never touches the MTP wire
// protocol.
func hostPlatformString() string {
	hostPlatformOnce.Do(func() {
		info, err := goInfo.GetInfo()
		if err != nil {
			log.Supervisor.WithError(err).Debug("goInfo unavailable")
			hostPlatform = "unknown"
			return
		}
		hostPlatform = info.OS + " " + info.Core + " (" + info.Platform + ")"
	})
	return hostPlatform
}
