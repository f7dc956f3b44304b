package sandbox

import "time"

// ResourceLimits bounds one sandbox invocation. Immutable per run.
// Wall clock is authoritative (enforced by the interpreter host through its
// context); the allocation ceiling maps onto the interpreter's registry
// size, which caps how many live values the interpreted program can hold.
type ResourceLimits struct {
	MaxDuration    time.Duration // wall-clock ceiling for the whole run
	MaxMemoryMB    int           // advisory memory ceiling for the embedding
	MaxAllocations int           // live-value ceiling inside the interpreter
	MaxOutputBytes int           // serialized size budget for the result value
	MaxRows        int           // row cap per data-access function
	MaxPrintBytes  int           // captured print output cap
}

// DefaultLimits returns the fallback limits used when no configuration is
// loaded. These match the fallbacks in internal/config.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxDuration:    30 * time.Second,
		MaxMemoryMB:    512,
		MaxAllocations: 1 << 20,
		MaxOutputBytes: 32 * 1024,
		MaxRows:        2000,
		MaxPrintBytes:  32 * 1024,
	}
}
