package slam

import "github.com/pkg/errors"

// State is the lifecycle state of a session.
type State int

// Session states.
const (
	Uninitialized State = iota
	Tracking
	Relocalizing
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	case Relocalizing:
		return "relocalizing"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is a session lifecycle event.
type Event int

// Session events.
const (
	// EventInitialized fires when the map is bootstrapped from the first
	// usable frames.
	EventInitialized Event = iota
	// EventInitTimeout fires when the frame budget for initialization runs
	// out.
	EventInitTimeout
	// EventTrackOK fires on every successfully tracked frame.
	EventTrackOK
	// EventTrackLost fires when a frame cannot be tracked against the map.
	EventTrackLost
	// EventRelocalized fires when a relocalization query succeeds.
	EventRelocalized
	// EventRetriesExhausted fires when the relocalization budget is spent.
	EventRetriesExhausted
)

func (e Event) String() string {
	switch e {
	case EventInitialized:
		return "initialized"
	case EventInitTimeout:
		return "init timeout"
	case EventTrackOK:
		return "track ok"
	case EventTrackLost:
		return "track lost"
	case EventRelocalized:
		return "relocalized"
	case EventRetriesExhausted:
		return "retries exhausted"
	}
	return "unknown"
}

// Next is the session transition function. Every (state, event) pair is
// decided here; pairs that cannot occur in a healthy session are errors.
func Next(s State, e Event) (State, error) {
	switch s {
	case Uninitialized:
		switch e {
		case EventInitialized:
			return Tracking, nil
		case EventInitTimeout:
			return Failed, nil
		case EventTrackLost:
			// a bad frame before bootstrap keeps waiting
			return Uninitialized, nil
		}
	case Tracking:
		switch e {
		case EventTrackOK:
			return Tracking, nil
		case EventTrackLost:
			return Relocalizing, nil
		}
	case Relocalizing:
		switch e {
		case EventRelocalized:
			return Tracking, nil
		case EventTrackLost:
			return Relocalizing, nil
		case EventRetriesExhausted:
			return Failed, nil
		}
	case Failed:
		// terminal
	}
	return s, errors.Errorf("invalid transition: %s on %s", e, s)
}
