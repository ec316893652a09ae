package frontend

import (
	"fmt"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/storage"
)

// State is one of the four tile freshness states the serving frontend
// derives from a storage.Stat call.
type State int

const (
	StateCurrent State = iota
	StateOld
	StateVeryOld
	StateMissing
)

func (s State) String() string {
	switch s {
	case StateCurrent:
		return "current"
	case StateOld:
		return "old"
	case StateVeryOld:
		return "veryold"
	case StateMissing:
		return "missing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Classify turns a storage stat result into a State: a missing metatile
// is always Missing; an expired one is Old while still within
// veryOldThreshold of its last render and VeryOld beyond that; anything
// else is Current.
func Classify(stat storage.StatResult, now time.Time, veryOldThreshold time.Duration) State {
	if !stat.Exists {
		return StateMissing
	}
	if stat.Expired {
		if now.Sub(stat.ModTime) < veryOldThreshold {
			return StateOld
		}
		return StateVeryOld
	}
	return StateCurrent
}
