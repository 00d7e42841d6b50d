package calib

import (
	"fmt"
	"io"

	"go.viam.com/rigslam/slam"
)

// WriteExtrinsics writes the calibrated extrinsics as a fixed-precision
// text table, one row per camera.
func WriteExtrinsics(w io.Writer, extrinsics []Extrinsic) error {
	if _, err := fmt.Fprintln(w, "# camera qw qx qy qz tx ty tz"); err != nil {
		return err
	}
	for _, e := range extrinsics {
		q := e.Pose.Rotation
		t := e.Pose.Translation
		if _, err := fmt.Fprintf(w, "%-16s %.5f %.5f %.5f %.5f %.5f %.5f %.5f\n",
			e.Name, q.Real, q.Imag, q.Jmag, q.Kmag, t.X, t.Y, t.Z); err != nil {
			return err
		}
	}
	return nil
}

// WritePoses writes the keyframe trajectory as a fixed-precision text
// table, one row per keyframe.
func WritePoses(w io.Writer, traj []slam.TimedPose) error {
	if _, err := fmt.Fprintln(w, "# time x y z qw qx qy qz"); err != nil {
		return err
	}
	for _, tp := range traj {
		q := tp.Pose.Rotation
		t := tp.Pose.Translation
		if _, err := fmt.Fprintf(w, "%s %.5f %.5f %.5f %.5f %.5f %.5f %.5f\n",
			tp.Time.UTC().Format("2006-01-02T15:04:05.000000000Z"),
			t.X, t.Y, t.Z, q.Real, q.Imag, q.Jmag, q.Kmag); err != nil {
			return err
		}
	}
	return nil
}
