// Package calib is the self-calibration front-end: it replays a recorded
// run through a SLAM session and refines the per-camera rig extrinsics
// against the final map.
package calib

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rigslam/camera"
)

// Config is a parsed rig configuration: camera groups (a stereo pair or a
// single mono camera per group) plus the single inertial sensor.
type Config struct {
	Cameras [][]string
	IMU     string
}

// Parse reads a line-oriented rig configuration. Keywords are
// case-insensitive; empty lines are skipped. A malformed line, an unknown
// sensor type or a duplicate imu entry fails the whole parse, as does a
// configuration without at least one stereo pair and exactly one imu.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	hasStereo := false

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "stereo":
			if len(fields) != 3 {
				return nil, errors.Errorf("line %d: the stereo camera sensor is improperly defined", lineNo)
			}
			cfg.Cameras = append(cfg.Cameras, []string{fields[1], fields[2]})
			hasStereo = true
		case "mono":
			if len(fields) != 2 {
				return nil, errors.Errorf("line %d: the mono camera sensor is improperly defined", lineNo)
			}
			cfg.Cameras = append(cfg.Cameras, []string{fields[1]})
		case "imu":
			if cfg.IMU != "" {
				return nil, errors.Errorf("line %d: a duplicate definition was found for the imu sensor", lineNo)
			}
			if len(fields) != 2 {
				return nil, errors.Errorf("line %d: the imu sensor is improperly defined", lineNo)
			}
			cfg.IMU = fields[1]
		default:
			return nil, errors.Errorf("line %d: unknown sensor type: %s", lineNo, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading configuration")
	}
	if !hasStereo {
		return nil, errors.New("configuration needs at least one stereo pair")
	}
	if cfg.IMU == "" {
		return nil, errors.New("configuration needs an imu sensor")
	}
	return &cfg, nil
}

// ParseFile parses a rig configuration file.
func ParseFile(path string) (_ *Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening configuration file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return Parse(f)
}

// CameraNames returns the camera names flattened in group order; this is
// the rig camera order used everywhere downstream.
func (c *Config) CameraNames() []string {
	var names []string
	for _, group := range c.Cameras {
		names = append(names, group...)
	}
	return names
}

// Kinds returns the per-camera kind tag, aligned with CameraNames.
func (c *Config) Kinds() []camera.Kind {
	var kinds []camera.Kind
	for _, group := range c.Cameras {
		kind := camera.Mono
		if len(group) == 2 {
			kind = camera.Stereo
		}
		for range group {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
