// Package config holds the configuration snapshot read by the fetch core.
//
// The core never loads configuration itself: environment/file loading is a
// collaborator concern (cmd/fetchcore owns it). Everything in this package
// is a plain value the collaborator constructs once and hands down.
package config

import "time"

// Config is the single configuration snapshot recognized by the core. Every
// field has the default shown in the package-level doc table; collaborators
// may override any subset before constructing the core subsystems.
type Config struct {
	// Proxy Pool
	ProxyPoolSize         int           // target FIFO size after refresh
	MinProxyPoolSize      int           // triggers early refresh
	ProxyRefreshInterval  time.Duration // periodic refresh cadence
	BatchUpdateInterval   time.Duration // writeback flush cadence

	// Fetch Executor
	ProxyRetryCount int           // retry attempts before direct fallback
	RequestTimeout  time.Duration // per-attempt HTTP timeout
	BackoffBase     time.Duration // backoff_base x (attempt+1)
	WorkerPoolSize  int           // bounded concurrent outbound fetches

	// Proxy Store
	ProxyErrorThreshold int           // status -> inactive threshold
	CBFailureThreshold  int           // circuit opens after consecutive failures
	CBRecoveryTimeout   time.Duration // OPEN -> HALF_OPEN delay
	DBPoolMin           int32         // Store connection pool bounds
	DBPoolMax           int32
	DBConnectTimeout    time.Duration

	// Metrics Recorder
	MaxMemoryEntries    int           // metrics ring bound
	MemoryRetentionAge  time.Duration // ring eviction age
	DBRetentionAge      time.Duration // metrics SQL eviction age
	SlidingWindowSize   int           // duration samples kept for percentiles
	RetentionInterval   time.Duration // background retention cadence
}

// Default returns the configuration with every field set to its documented
// default value.
func Default() Config {
	return Config{
		ProxyPoolSize:        50,
		MinProxyPoolSize:     10,
		ProxyRefreshInterval: 300 * time.Second,
		BatchUpdateInterval:  60 * time.Second,

		ProxyRetryCount: 3,
		RequestTimeout:  15 * time.Second,
		BackoffBase:     500 * time.Millisecond,
		WorkerPoolSize:  10,

		ProxyErrorThreshold: 3,
		CBFailureThreshold:  5,
		CBRecoveryTimeout:   60 * time.Second,
		DBPoolMin:           2,
		DBPoolMax:           10,
		DBConnectTimeout:    5 * time.Second,

		MaxMemoryEntries:   10000,
		MemoryRetentionAge: 24 * time.Hour,
		DBRetentionAge:     30 * 24 * time.Hour,
		SlidingWindowSize:  1000,
		RetentionInterval:  time.Hour,
	}
}
