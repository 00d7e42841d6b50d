package calib

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/imu"
	"go.viam.com/rigslam/slam"
	"go.viam.com/rigslam/spatialmath"
)

// imuBufferSize bounds how many inertial samples are buffered while
// waiting for the next frame.
const imuBufferSize = 50

// Recording is a fully loaded recorded run: the rig it was captured with
// and the frames to replay, inertial samples already paired.
type Recording struct {
	Rig    *camera.Rig
	Frames []slam.Frame
}

type recordEnvelope struct {
	Type string `json:"type"`
}

type rigRecord struct {
	Cameras []rigCameraRecord `json:"cameras"`
}

type rigCameraRecord struct {
	Name   string    `json:"name"`
	Fx     float64   `json:"fx"`
	Fy     float64   `json:"fy"`
	Cx     float64   `json:"cx"`
	Cy     float64   `json:"cy"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Pose   []float64 `json:"pose"`
}

type imuRecord struct {
	Time  time.Time  `json:"time"`
	Gyro  [3]float64 `json:"gyro"`
	Accel [3]float64 `json:"accel"`
}

type observationRecord struct {
	Camera int       `json:"camera"`
	Pixel  [2]float64 `json:"pixel"`
	Desc   []uint64  `json:"desc"`
}

type frameRecord struct {
	Time time.Time           `json:"time"`
	Obs  []observationRecord `json:"obs"`
}

// ReadRecording loads a JSON-lines recorded run. The first record must
// describe the rig; its cameras must match the configuration in name and
// order. Inertial samples are buffered (bounded) and attached to the next
// frame whose timestamp covers them.
func ReadRecording(r io.Reader, cfg *Config, logger golog.Logger) (*Recording, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)

	var rec Recording
	var imuBuf []imu.Sample
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env recordEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		switch env.Type {
		case "rig":
			if rec.Rig != nil {
				return nil, errors.Errorf("line %d: duplicate rig record", lineNo)
			}
			var rr rigRecord
			if err := json.Unmarshal(line, &rr); err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			rig, err := buildRig(&rr, cfg)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			rec.Rig = rig
		case "imu":
			var ir imuRecord
			if err := json.Unmarshal(line, &ir); err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			imuBuf = append(imuBuf, imu.Sample{
				Time:               ir.Time,
				AngularRate:        r3.Vector{X: ir.Gyro[0], Y: ir.Gyro[1], Z: ir.Gyro[2]},
				LinearAcceleration: r3.Vector{X: ir.Accel[0], Y: ir.Accel[1], Z: ir.Accel[2]},
			})
			if len(imuBuf) > imuBufferSize {
				imuBuf = imuBuf[len(imuBuf)-imuBufferSize:]
			}
		case "frame":
			if rec.Rig == nil {
				return nil, errors.Errorf("line %d: frame before rig record", lineNo)
			}
			var fr frameRecord
			if err := json.Unmarshal(line, &fr); err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			frame := slam.Frame{Time: fr.Time}
			for _, o := range fr.Obs {
				if o.Camera < 0 || o.Camera >= rec.Rig.Count() {
					return nil, errors.Errorf("line %d: observation references camera %d", lineNo, o.Camera)
				}
				frame.Obs = append(frame.Obs, features.Observation{
					Camera: o.Camera,
					Pixel:  r2.Point{X: o.Pixel[0], Y: o.Pixel[1]},
					Desc:   features.Descriptor(o.Desc),
				})
			}
			// samples up to the frame timestamp belong to this frame
			cut := 0
			for cut < len(imuBuf) && !imuBuf[cut].Time.After(fr.Time) {
				cut++
			}
			if cut == 0 {
				logger.Warnw("no inertial samples with matching timestamp", "frame", fr.Time)
			}
			frame.IMU = append(frame.IMU, imuBuf[:cut]...)
			imuBuf = imuBuf[cut:]
			rec.Frames = append(rec.Frames, frame)
		default:
			return nil, errors.Errorf("line %d: unknown record type %q", lineNo, env.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading recording")
	}
	if rec.Rig == nil {
		return nil, errors.New("recording has no rig record")
	}
	if len(rec.Frames) == 0 {
		return nil, errors.New("recording has no frames")
	}
	return &rec, nil
}

// ReadRecordingFile loads a recorded run from disk.
func ReadRecordingFile(path string, cfg *Config, logger golog.Logger) (_ *Recording, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening recording")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ReadRecording(f, cfg, logger)
}

func buildRig(rr *rigRecord, cfg *Config) (*camera.Rig, error) {
	names := cfg.CameraNames()
	kinds := cfg.Kinds()
	if len(rr.Cameras) != len(names) {
		return nil, errors.Errorf("recording has %d cameras, configuration names %d", len(rr.Cameras), len(names))
	}
	cams := make([]*camera.RigCamera, len(rr.Cameras))
	for i, cr := range rr.Cameras {
		if cr.Name != names[i] {
			return nil, errors.Errorf("camera %d is %q, configuration names %q", i, cr.Name, names[i])
		}
		pose := spatialmath.NewZeroPose()
		if len(cr.Pose) == 6 {
			pose = spatialmath.NewPoseFromParameters(cr.Pose)
		} else if len(cr.Pose) != 0 {
			return nil, errors.Errorf("camera %q pose needs 6 parameters, got %d", cr.Name, len(cr.Pose))
		}
		cams[i] = &camera.RigCamera{
			Name:  cr.Name,
			Kind:  kinds[i],
			Model: camera.NewPinhole(cr.Fx, cr.Fy, cr.Cx, cr.Cy, cr.Width, cr.Height),
			Pose:  pose,
		}
	}
	return camera.NewRig(cams)
}
