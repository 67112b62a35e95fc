package jobs

import (
	"fmt"
	"strings"
)

// PermissionLevel is a job's authorization level. Levels form a strict total
// order; bit-shifted values keep room for future intermediate levels without
// renumbering persisted data.
type PermissionLevel int

const (
	PermLowest PermissionLevel = 1 << iota
	PermLow
	PermMedium
	PermHigh
	PermHighest

	// PermSystem is reserved for the manager's own representative job and is
	// rejected for ordinary job classes at registry time.
	PermSystem
)

func (p PermissionLevel) String() string {
	switch p {
	case PermLowest:
		return "LOWEST"
	case PermLow:
		return "LOW"
	case PermMedium:
		return "MEDIUM"
	case PermHigh:
		return "HIGH"
	case PermHighest:
		return "HIGHEST"
	case PermSystem:
		return "SYSTEM"
	default:
		return fmt.Sprintf("PermissionLevel(%d)", int(p))
	}
}

// ParsePermissionLevel parses a level name (case-insensitive).
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOWEST":
		return PermLowest, nil
	case "LOW":
		return PermLow, nil
	case "MEDIUM":
		return PermMedium, nil
	case "HIGH":
		return PermHigh, nil
	case "HIGHEST":
		return PermHighest, nil
	case "SYSTEM":
		return PermSystem, nil
	default:
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
}

// Verb identifies a manager operation for permission checks and auditing.
type Verb int

const (
	VerbCreate Verb = iota + 1
	VerbInitialize
	VerbRegister
	VerbSchedule
	VerbGuard
	VerbFind
	VerbCustomDispatch
	VerbDispatch
	VerbStart
	VerbStop
	VerbRestart
	VerbUnschedule
	VerbUnguard
	VerbKill
)

func (v Verb) String() string {
	switch v {
	case VerbCreate:
		return "CREATE"
	case VerbInitialize:
		return "INITIALIZE"
	case VerbRegister:
		return "REGISTER"
	case VerbSchedule:
		return "SCHEDULE"
	case VerbGuard:
		return "GUARD"
	case VerbFind:
		return "FIND"
	case VerbCustomDispatch:
		return "CUSTOM_DISPATCH"
	case VerbDispatch:
		return "DISPATCH"
	case VerbStart:
		return "START"
	case VerbStop:
		return "STOP"
	case VerbRestart:
		return "RESTART"
	case VerbUnschedule:
		return "UNSCHEDULE"
	case VerbUnguard:
		return "UNGUARD"
	case VerbKill:
		return "KILL"
	default:
		return fmt.Sprintf("Verb(%d)", int(v))
	}
}

// ---- Rule table ----
//
// Pure predicates keyed by operation family. The manager wraps these into
// raising and boolean ("probe") entry points.

func allowFind(inv PermissionLevel) bool { return inv >= PermLow }

// allowDispatch covers both dispatch forms. Broadcast and targeted custom
// dispatch share the same floor.
func allowDispatch(inv PermissionLevel) bool { return inv >= PermHigh }

// allowCreate covers the creation family: create, initialize, register,
// schedule. target is the job class's declared level.
func allowCreate(inv, target PermissionLevel) bool {
	switch {
	case inv >= PermSystem:
		return true
	case inv < PermMedium:
		return false
	case inv == PermMedium:
		return target < PermMedium
	default: // HIGH, HIGHEST
		return target <= inv
	}
}

func allowGuard(inv PermissionLevel, isCreator bool) bool {
	if inv >= PermSystem {
		return true
	}
	return inv >= PermHigh && isCreator
}

// allowControl covers the lifecycle family: start, stop, restart, kill.
func allowControl(inv, target PermissionLevel, isCreator bool) bool {
	switch {
	case inv >= PermSystem:
		return true
	case inv < PermMedium:
		return false
	case inv == PermMedium:
		return target < PermMedium && isCreator
	case inv == PermHigh:
		return target < PermHigh
	default: // HIGHEST
		return target <= PermHighest
	}
}

// allowUnschedule checks removal of a schedule entry. ownerLevel and
// ownerAlive describe the job that originally issued the entry, when it is
// still registered.
func allowUnschedule(inv PermissionLevel, isOwner, ownerAlive bool, ownerLevel PermissionLevel) bool {
	if inv >= PermSystem {
		return true
	}
	if inv < PermMedium {
		return false
	}
	if isOwner {
		return true
	}
	if ownerAlive {
		return inv > ownerLevel
	}
	return true
}
