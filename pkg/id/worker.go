package id

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
)

// WorkerIDFromEnv reads envVar and parses it as the worker id, for
// deployments where an external coordinator (StatefulSet ordinal, k8s
// downward API) assigns worker ids directly.
func WorkerIDFromEnv(envVar string) (int64, error) {
	raw, ok := os.LookupEnv(envVar)
	if !ok {
		return 0, fmt.Errorf("id: environment variable %s not set", envVar)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id: parsing %s=%q as worker id: %w", envVar, raw, err)
	}
	return v, nil
}

// WorkerIDFromHostPID derives a stable worker id from the local hostname and
// process id when no external coordinator assigns one, mirroring the
// <hostId>-<pid>-<worker#> consumer-id convention used for Redis Streams
// consumers. The hostname is hashed (FNV-1a) and folded with the pid so
// restarts on the same host land on a different worker id only if the pid
// changes, matching how a supervisor typically restarts a crashed process.
func WorkerIDFromHostPID(layout Layout) (int64, error) {
	host, err := os.Hostname()
	if err != nil {
		return 0, fmt.Errorf("id: reading hostname: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	pid := os.Getpid()
	combined := int64(h.Sum32()) ^ int64(pid)
	if combined < 0 {
		combined = -combined
	}

	maxW := int64(maxWorker)
	if layout == LayoutHighConcurrency {
		maxW = maxHighConcurrencyWorker
	}
	return combined % (maxW + 1), nil
}
