package instance

import (
	"os"

	"github.com/vaultkeys/vaultkeys-backend/pkg/env"
)

// EnvWorkerID overrides the derived worker identity.
const EnvWorkerID = "VAULTKEYS_WORKER_ID"

// ID names this worker process in logs. It falls back to the hostname, then
// to "worker-0".
func ID() string {
	fallback := "worker-0"
	if host, err := os.Hostname(); err == nil && host != "" {
		fallback = host
	}
	return env.String(EnvWorkerID, fallback)
}
