package jobs

// StopReason records why a job stopped (or is stopping). Queryable
// post-mortem via Job.StopReasonNow and snapshots.
type StopReason int

const (
	StopUnknown StopReason = iota

	// Internal reasons (the job stopped itself).
	StopInternal
	StopInternalError
	StopInternalRestart
	StopInternalCountLimit
	StopInternalCompletion
	StopInternalKilling
	StopInternalIdleTimeout
	StopInternalEmptyQueue

	// External reasons (stopped through the manager).
	StopExternal
	StopExternalRestart
	StopExternalKilling
)

func (r StopReason) String() string {
	switch r {
	case StopInternal:
		return "internal"
	case StopInternalError:
		return "internal_error"
	case StopInternalRestart:
		return "internal_restart"
	case StopInternalCountLimit:
		return "internal_count_limit"
	case StopInternalCompletion:
		return "internal_completion"
	case StopInternalKilling:
		return "internal_killing"
	case StopInternalIdleTimeout:
		return "internal_idle_timeout"
	case StopInternalEmptyQueue:
		return "internal_empty_queue"
	case StopExternal:
		return "external"
	case StopExternalRestart:
		return "external_restart"
	case StopExternalKilling:
		return "external_killing"
	default:
		return "unknown"
	}
}

// Internal reports whether the stop was self-initiated.
func (r StopReason) Internal() bool {
	return r >= StopInternal && r <= StopInternalEmptyQueue
}
