package slam

import (
	"github.com/golang/geo/r3"

	"go.viam.com/rigslam/slam/loop"
	"go.viam.com/rigslam/slam/window"
)

// Options tunes a session.
type Options struct {
	Window window.Config
	Loop   loop.Config
	// EnableLoopClosure turns the recognizer worker on. It requires a
	// vocabulary at session construction.
	EnableLoopClosure bool

	// InitMaxFrames is the frame budget for map bootstrap before the
	// session fails.
	InitMaxFrames int
	// InitMinLandmarks is the smallest bootstrap map accepted.
	InitMinLandmarks int

	// MinTracked is the smallest landmark association count a frame can be
	// tracked from.
	MinTracked int
	// ProjectionGatePx bounds the predicted-vs-observed pixel distance
	// during association.
	ProjectionGatePx float64
	// MatchMaxDist gates descriptor distance during association.
	MatchMaxDist int

	// Gravity is the world-frame gravity vector added back to preintegrated
	// specific-force deltas during prediction. The world frame is anchored
	// at the bootstrap rig pose.
	Gravity r3.Vector

	// KeyframeOverlap promotes a frame when the fraction of its
	// observations tracked against the map falls below this ratio.
	KeyframeOverlap float64
	// KeyframeSpacing promotes a frame once the rig has moved this far
	// from the last keyframe, regardless of overlap.
	KeyframeSpacing float64

	// RelocalizeRetries bounds consecutive failed relocalization attempts
	// before the session fails.
	RelocalizeRetries int

	// BAQueueSize bounds the in-flight keyframe admissions. Sends block
	// when full; admissions are never dropped.
	BAQueueSize int
	// LoopQueueSize bounds pending loop queries. When full the oldest
	// pending query is dropped and counted.
	LoopQueueSize int
}

// DefaultOptions returns the tuning used by the calibration front-end.
func DefaultOptions() Options {
	return Options{
		Window:            window.DefaultConfig(),
		Loop:              loop.DefaultConfig(),
		InitMaxFrames:     30,
		InitMinLandmarks:  12,
		MinTracked:        8,
		ProjectionGatePx:  12.0,
		MatchMaxDist:      64,
		Gravity:           r3.Vector{Z: -9.80665},
		KeyframeOverlap:   0.5,
		KeyframeSpacing:   0.25,
		RelocalizeRetries: 20,
		BAQueueSize:       64,
		LoopQueueSize:     8,
	}
}
