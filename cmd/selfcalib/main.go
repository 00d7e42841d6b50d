// Command selfcalib replays a recorded multi-camera run and calibrates the
// rig extrinsics against the map it builds.
package main

import (
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/rigslam/calib"
	"go.viam.com/rigslam/slam"
	"go.viam.com/rigslam/slam/loop"
)

func main() {
	app := &cli.App{
		Name:  "selfcalib",
		Usage: "self-calibrate rig extrinsics from a recorded run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Required: true,
				Usage:    "recorded run (JSON lines)",
			},
			&cli.StringFlag{
				Name:  "voc",
				Value: "vocabulary.json.gz",
				Usage: "vocabulary filename",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "self_calib.cfg",
				Usage:   "rig configuration file",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "calib",
				Usage:   "output directory",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}

func run(c *cli.Context) error {
	logger := golog.NewDevelopmentLogger("selfcalib")

	cfg, err := calib.ParseFile(c.String("config"))
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration file %s", c.String("config"))
	}
	voc, err := loop.LoadVocabulary(c.String("voc"))
	if err != nil {
		return errors.Wrapf(err, "failed to read vocabulary %s", c.String("voc"))
	}
	rec, err := calib.ReadRecordingFile(c.String("input"), cfg, logger)
	if err != nil {
		return err
	}
	logger.Infow("loaded recording", "cameras", rec.Rig.Count(), "frames", len(rec.Frames))

	opts := slam.DefaultOptions()
	opts.EnableLoopClosure = true
	result, err := calib.NewCalibrator(logger, clock.New(), opts).Run(c.Context, rec, voc)
	if err != nil {
		return err
	}
	logger.Infow("extrinsic calibration finished",
		"initialCost", result.InitialCost, "finalCost", result.FinalCost)

	outDir := c.String("output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	if err := writeFile(filepath.Join(outDir, "extrinsics.txt"), func(f *os.File) error {
		return calib.WriteExtrinsics(f, result.Extrinsics)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(outDir, "poses.txt"), func(f *os.File) error {
		return calib.WritePoses(f, result.Trajectory)
	}); err != nil {
		return err
	}
	logger.Infow("wrote calibration files", "directory", outDir)
	return nil
}

func writeFile(path string, write func(*os.File) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return write(f)
}
