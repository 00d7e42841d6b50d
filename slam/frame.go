package slam

import (
	"time"

	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/imu"
	"go.viam.com/rigslam/spatialmath"
)

// Frame is one synchronized capture across the rig: the extracted feature
// observations of every camera plus the inertial samples measured since the
// previous frame. Feature extraction happens upstream.
type Frame struct {
	Time time.Time
	Obs  []features.Observation
	IMU  []imu.Sample
}

// TimedPose is one trajectory entry.
type TimedPose struct {
	Time time.Time
	Pose spatialmath.Pose
}
