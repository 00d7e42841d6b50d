// Package slam runs an online multi-camera visual-inertial SLAM session:
// per-frame tracking against a sparse landmark map, windowed bundle
// adjustment, loop recognition and pose-graph correction. Feature
// extraction and capture transport live upstream; the session consumes
// ready-made observation sets.
package slam

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/epipolar"
	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/imu"
	"go.viam.com/rigslam/slam/loop"
	"go.viam.com/rigslam/slam/posegraph"
	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/slam/window"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// Session failure conditions. Both are fatal: the session accepts no more
// frames once either is returned.
var (
	ErrInitTimeout   = errors.New("initialization frame budget exhausted")
	ErrSessionFailed = errors.New("session failed, relocalization budget exhausted")
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("session is closed")

type baTaskKind int

const (
	taskAdmit baTaskKind = iota
	taskReanchor
)

type baTask struct {
	kind      baTaskKind
	keyframe  sparsemap.KeyframeID
	oldAnchor spatialmath.Pose
	newAnchor spatialmath.Pose
}

// Session orchestrates one SLAM run. Process must be called from a single
// goroutine; the bundle-adjustment and loop workers run in the background.
type Session struct {
	opts   Options
	rig    *camera.Rig
	logger golog.Logger
	clk    clock.Clock

	store      *sparsemap.Store
	adjuster   *window.Adjuster
	recognizer *loop.Recognizer
	slv        solver.Solver

	state *atomic.Int32

	// tracking context, Process goroutine only
	initFrame  *Frame
	initCount  int
	lastPose   spatialmath.Pose
	lastDelta  spatialmath.Pose
	lastKFPose spatialmath.Pose
	lastTime   time.Time
	velocity   r3.Vector
	kfVelocity r3.Vector
	relocTries int
	preint     *imu.Preintegrator

	// correction is the accumulated world-frame pose-graph delta the loop
	// worker hands back to tracking; the next Process consumes it
	corrMu     sync.Mutex
	correction *spatialmath.Pose

	baQueue      chan baTask
	loopQueue    chan sparsemap.KeyframeID
	droppedLoops *atomic.Int64

	// loop worker only
	constraints []loop.Constraint

	closed *atomic.Bool
	// closeMu serializes queue sends against queue closing
	closeMu     sync.RWMutex
	workerCtx   context.Context
	workerStop  func()
	baWorkers   sync.WaitGroup
	loopWorkers sync.WaitGroup
}

// NewSession builds a session over a rig. A vocabulary is required when
// loop closure is enabled; passing none is a configuration error.
func NewSession(
	rig *camera.Rig,
	voc *loop.Vocabulary,
	logger golog.Logger,
	clk clock.Clock,
	opts Options,
) (*Session, error) {
	if rig == nil || rig.Count() == 0 {
		return nil, errors.New("session needs a rig")
	}
	if opts.EnableLoopClosure && voc == nil {
		return nil, errors.New("loop closure enabled without a vocabulary")
	}
	if clk == nil {
		clk = clock.New()
	}

	store := sparsemap.NewStore()
	slv := solver.NewDefault(logger, solver.DefaultOptions())
	s := &Session{
		opts:         opts,
		rig:          rig,
		logger:       logger,
		clk:          clk,
		store:        store,
		adjuster:     window.NewAdjuster(rig, store, slv, clk, logger, opts.Window),
		slv:          slv,
		state:        atomic.NewInt32(int32(Uninitialized)),
		lastPose:     spatialmath.NewZeroPose(),
		lastDelta:    spatialmath.NewZeroPose(),
		lastKFPose:   spatialmath.NewZeroPose(),
		preint:       imu.NewPreintegrator(),
		baQueue:      make(chan baTask, opts.BAQueueSize),
		loopQueue:    make(chan sparsemap.KeyframeID, opts.LoopQueueSize),
		droppedLoops: atomic.NewInt64(0),
		closed:       atomic.NewBool(false),
	}
	if opts.EnableLoopClosure {
		s.recognizer = loop.NewRecognizer(rig, store, loop.NewIndex(voc), slv, logger, opts.Loop)
	}
	s.workerCtx, s.workerStop = context.WithCancel(context.Background())
	s.startWorkers()
	return s, nil
}

func (s *Session) startWorkers() {
	s.baWorkers.Add(1)
	goutils.ManagedGo(func() {
		for task := range s.baQueue {
			s.runBATask(task)
		}
	}, s.baWorkers.Done)
	if s.recognizer == nil {
		return
	}
	s.loopWorkers.Add(1)
	goutils.ManagedGo(func() {
		for kf := range s.loopQueue {
			s.runLoopQuery(kf)
		}
	}, s.loopWorkers.Done)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(e Event) {
	next, err := Next(s.State(), e)
	if err != nil {
		// a transition bug, not a data condition
		s.logger.Errorw("session transition", "error", err)
		return
	}
	if next != s.State() {
		s.logger.Infow("session state change", "from", s.State().String(), "to", next.String(), "event", e.String())
	}
	s.state.Store(int32(next))
}

// Process consumes one frame. Recoverable tracking problems degrade the
// session state and return nil; fatal conditions return a named error and
// every later call returns it again.
func (s *Session) Process(ctx context.Context, frame Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if delta, ok := s.takeCorrection(); ok {
		// re-express the tracking frame after a pose-graph correction
		s.lastPose = spatialmath.Compose(delta, s.lastPose)
		s.lastKFPose = spatialmath.Compose(delta, s.lastKFPose)
		s.velocity = spatialmath.Rotate(delta.Rotation, s.velocity)
		s.kfVelocity = spatialmath.Rotate(delta.Rotation, s.kfVelocity)
	}
	for _, sample := range frame.IMU {
		s.preint.Add(sample)
	}
	switch s.State() {
	case Uninitialized:
		return s.initialize(ctx, frame)
	case Tracking:
		return s.track(ctx, frame)
	case Relocalizing:
		return s.relocalize(ctx, frame)
	case Failed:
		return ErrSessionFailed
	}
	return errors.Errorf("unhandled session state %v", s.State())
}

// initialize bootstraps the map, preferring in-frame stereo triangulation
// and falling back to two-view geometry across frames for mono rigs.
func (s *Session) initialize(ctx context.Context, frame Frame) error {
	s.initCount++
	ok, err := s.bootstrapStereo(ctx, frame)
	if err != nil {
		return err
	}
	if !ok {
		ok, err = s.bootstrapTwoView(ctx, frame)
		if err != nil {
			return err
		}
	}
	if ok {
		s.transition(EventInitialized)
		return nil
	}
	if s.initCount >= s.opts.InitMaxFrames {
		s.transition(EventInitTimeout)
		return errors.Wrapf(ErrInitTimeout, "after %d frames", s.initCount)
	}
	s.transition(EventTrackLost)
	return nil
}

// bootstrapStereo triangulates landmarks between stereo-paired cameras of a
// single frame; the known baseline makes them metric immediately.
func (s *Session) bootstrapStereo(ctx context.Context, frame Frame) (bool, error) {
	type hit struct {
		obs1, obs2 int
		pt         r3.Vector
	}
	origin := spatialmath.NewZeroPose()

	byCamera := map[int][]int{}
	for i, o := range frame.Obs {
		byCamera[o.Camera] = append(byCamera[o.Camera], i)
	}

	var hits []hit
	for a := 0; a < s.rig.Count(); a++ {
		for b := a + 1; b < s.rig.Count(); b++ {
			if s.rig.Camera(a).Kind != camera.Stereo || s.rig.Camera(b).Kind != camera.Stereo {
				continue
			}
			idxA, idxB := byCamera[a], byCamera[b]
			if len(idxA) == 0 || len(idxB) == 0 {
				continue
			}
			descA := make([]features.Descriptor, len(idxA))
			for i, k := range idxA {
				descA[i] = frame.Obs[k].Desc
			}
			descB := make([]features.Descriptor, len(idxB))
			for i, k := range idxB {
				descB[i] = frame.Obs[k].Desc
			}
			matches := features.MatchDescriptors(descA, descB, &features.MatchingConfig{
				DoCrossCheck: true,
				MaxDist:      s.opts.MatchMaxDist,
			})
			for _, m := range matches {
				oa, ob := frame.Obs[idxA[m.Idx1]], frame.Obs[idxB[m.Idx2]]
				o1, d1 := s.rig.RayWorld(oa.Camera, origin, oa.Pixel)
				o2, d2 := s.rig.RayWorld(ob.Camera, origin, ob.Pixel)
				pt, depth1, depth2, _, err := epipolar.TriangulateRays(o1, d1, o2, d2)
				if err != nil || depth1 <= 0 || depth2 <= 0 {
					continue
				}
				hits = append(hits, hit{obs1: idxA[m.Idx1], obs2: idxB[m.Idx2], pt: pt})
			}
		}
	}
	if len(hits) < s.opts.InitMinLandmarks {
		return false, nil
	}

	kf := s.store.AddKeyframe(frame.Time, origin, frame.Obs, s.finishInertial())
	for _, h := range hits {
		// an observation can show up under two stereo pairings; first hit wins
		if _, ok := s.store.TrackedLandmark(kf, h.obs1); ok {
			continue
		}
		if _, ok := s.store.TrackedLandmark(kf, h.obs2); ok {
			continue
		}
		lm := s.store.AddLandmark(h.pt)
		// both stereo views track the landmark so neither observation is
		// left free to seed a duplicate at the next admission
		if err := s.store.Attach(kf, h.obs1, lm); err != nil {
			return false, err
		}
		if err := s.store.Attach(kf, h.obs2, lm); err != nil {
			return false, err
		}
	}
	s.afterBootstrap(kf, origin, frame.Time)
	s.logger.Infow("bootstrapped map from stereo pair", "landmarks", len(hits))
	return true, nil
}

// bootstrapTwoView estimates relative pose between the first buffered frame
// and the current one; without a stereo baseline the translation scale is
// conventional.
func (s *Session) bootstrapTwoView(ctx context.Context, frame Frame) (bool, error) {
	if s.initFrame == nil {
		f := frame
		s.initFrame = &f
		return false, nil
	}
	first := *s.initFrame

	// two-view geometry only holds per physical camera
	type pair struct{ i1, i2 int }
	byCam := map[int][]pair{}
	for cam := 0; cam < s.rig.Count(); cam++ {
		var idx1, idx2 []int
		for i, o := range first.Obs {
			if o.Camera == cam {
				idx1 = append(idx1, i)
			}
		}
		for i, o := range frame.Obs {
			if o.Camera == cam {
				idx2 = append(idx2, i)
			}
		}
		if len(idx1) == 0 || len(idx2) == 0 {
			continue
		}
		d1 := make([]features.Descriptor, len(idx1))
		for i, k := range idx1 {
			d1[i] = first.Obs[k].Desc
		}
		d2 := make([]features.Descriptor, len(idx2))
		for i, k := range idx2 {
			d2[i] = frame.Obs[k].Desc
		}
		for _, m := range features.MatchDescriptors(d1, d2, &features.MatchingConfig{
			DoCrossCheck: true,
			MaxDist:      s.opts.MatchMaxDist,
		}) {
			byCam[cam] = append(byCam[cam], pair{idx1[m.Idx1], idx2[m.Idx2]})
		}
	}

	for cam, pairs := range byCam {
		model := s.rig.Camera(cam).Model
		pts1 := make([]r2.Point, len(pairs))
		pts2 := make([]r2.Point, len(pairs))
		for i, p := range pairs {
			pts1[i] = normalizedPoint(model, first.Obs[p.i1].Pixel)
			pts2[i] = normalizedPoint(model, frame.Obs[p.i2].Pixel)
		}
		rel, inliers, err := epipolar.RansacRelativePose(pts1, pts2, epipolar.DefaultRansacConfig())
		if err != nil {
			continue
		}
		camPose := s.rig.Camera(cam).Pose
		// rel maps between camera frames; express it between rig frames
		rigRel := spatialmath.Compose(spatialmath.Compose(camPose, rel), camPose.Invert())

		origin := spatialmath.NewZeroPose()
		kf1 := s.store.AddKeyframe(first.Time, origin, first.Obs, nil)
		kf2 := s.store.AddKeyframe(frame.Time, rigRel, frame.Obs, s.finishInertial())

		created := 0
		for _, k := range inliers {
			p := pairs[k]
			o1, d1 := s.rig.RayWorld(cam, origin, first.Obs[p.i1].Pixel)
			o2, d2 := s.rig.RayWorld(cam, rigRel, frame.Obs[p.i2].Pixel)
			pt, depth1, depth2, _, err := epipolar.TriangulateRays(o1, d1, o2, d2)
			if err != nil || depth1 <= 0 || depth2 <= 0 {
				continue
			}
			lm := s.store.AddLandmark(pt)
			if err := s.store.Attach(kf1, p.i1, lm); err != nil {
				return false, err
			}
			if err := s.store.Attach(kf2, p.i2, lm); err != nil {
				return false, err
			}
			created++
		}
		if created < s.opts.InitMinLandmarks {
			// not enough structure; forget this attempt and keep waiting
			if err := s.store.RemoveKeyframe(kf2); err != nil {
				return false, err
			}
			if err := s.store.RemoveKeyframe(kf1); err != nil {
				return false, err
			}
			continue
		}
		s.enqueueAdmit(kf1)
		s.enqueueLoopQuery(kf1)
		s.afterBootstrap(kf2, rigRel, frame.Time)
		s.logger.Infow("bootstrapped map from two views", "camera", cam, "landmarks", created)
		return true, nil
	}
	return false, nil
}

func (s *Session) afterBootstrap(kf sparsemap.KeyframeID, pose spatialmath.Pose, at time.Time) {
	s.initFrame = nil
	s.lastPose = pose
	s.lastDelta = spatialmath.NewZeroPose()
	s.lastKFPose = pose
	s.lastTime = at
	s.velocity = r3.Vector{}
	s.kfVelocity = r3.Vector{}
	s.enqueueAdmit(kf)
	s.enqueueLoopQuery(kf)
}

// pushCorrection accumulates a world-frame pose delta for the tracking
// goroutine to consume on its next frame.
func (s *Session) pushCorrection(delta spatialmath.Pose) {
	s.corrMu.Lock()
	defer s.corrMu.Unlock()
	if s.correction != nil {
		delta = spatialmath.Compose(delta, *s.correction)
	}
	s.correction = &delta
}

func (s *Session) takeCorrection() (spatialmath.Pose, bool) {
	s.corrMu.Lock()
	defer s.corrMu.Unlock()
	if s.correction == nil {
		return spatialmath.Pose{}, false
	}
	delta := *s.correction
	s.correction = nil
	return delta, true
}

func (s *Session) finishInertial() *imu.Preintegrated {
	pre := s.preint.Finish()
	if pre.Empty() {
		return nil
	}
	return &pre
}

// predict extrapolates the rig pose for the current frame: the full
// gravity-compensated inertial delta from the last keyframe when samples
// are present, constant velocity otherwise.
func (s *Session) predict() spatialmath.Pose {
	if cur := s.preint.Current(); !cur.Empty() {
		return cur.Predict(s.lastKFPose, s.kfVelocity, s.opts.Gravity)
	}
	return spatialmath.Compose(s.lastPose, s.lastDelta)
}

type association struct {
	obsIdx   int
	landmark sparsemap.LandmarkID
	corr     window.Correspondence
}

// recentKeyframes returns the window-depth tail of the store, the candidate
// set tracking associates against.
func (s *Session) recentKeyframes() []sparsemap.KeyframeID {
	ids := s.store.KeyframeIDs()
	lo := len(ids) - s.opts.Window.MaxKeyframes
	if lo < 0 {
		lo = 0
	}
	return ids[lo:]
}

// associate matches frame observations to landmarks of the given keyframes
// through a projection gate at the predicted pose plus a descriptor gate.
func (s *Session) associate(pred spatialmath.Pose, obs []features.Observation, kfs []sparsemap.KeyframeID) []association {
	type candidate struct {
		lm   sparsemap.LandmarkID
		pos  r3.Vector
		desc features.Descriptor
	}
	seen := map[sparsemap.LandmarkID]bool{}
	var candidates []candidate
	for _, kf := range kfs {
		tracks, err := s.store.LandmarksOf(kf)
		if err != nil {
			continue
		}
		kfObs, err := s.store.Observations(kf)
		if err != nil {
			continue
		}
		for obsIdx, lm := range tracks {
			if seen[lm] {
				continue
			}
			seen[lm] = true
			pos, err := s.store.LandmarkPosition(lm)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{lm: lm, pos: pos, desc: kfObs[obsIdx].Desc})
		}
	}

	gate2 := s.opts.ProjectionGatePx * s.opts.ProjectionGatePx
	usedLM := map[sparsemap.LandmarkID]bool{}
	var out []association
	for i, o := range obs {
		bestDist := s.opts.MatchMaxDist
		best := -1
		for ci, c := range candidates {
			if usedLM[c.lm] {
				continue
			}
			px, err := s.rig.ProjectWorld(o.Camera, pred, c.pos)
			if err != nil {
				continue
			}
			dx, dy := px.X-o.Pixel.X, px.Y-o.Pixel.Y
			if dx*dx+dy*dy > gate2 {
				continue
			}
			d, err := features.HammingDistance(o.Desc, c.desc)
			if err != nil || d >= bestDist {
				continue
			}
			bestDist, best = d, ci
		}
		if best < 0 {
			continue
		}
		c := candidates[best]
		usedLM[c.lm] = true
		out = append(out, association{
			obsIdx:   i,
			landmark: c.lm,
			corr:     window.Correspondence{Camera: o.Camera, Pixel: o.Pixel, World: c.pos},
		})
	}
	return out
}

func (s *Session) track(ctx context.Context, frame Frame) error {
	pred := s.predict()
	assoc := s.associate(pred, frame.Obs, s.recentKeyframes())
	if len(assoc) < s.opts.MinTracked {
		s.logger.Warnw("tracking lost", "associated", len(assoc), "needed", s.opts.MinTracked)
		s.relocTries = 0
		s.transition(EventTrackLost)
		return nil
	}
	corrs := make([]window.Correspondence, len(assoc))
	for i, a := range assoc {
		corrs[i] = a.corr
	}
	pose, inliers, err := window.SolveRigPose(ctx, s.slv, s.rig, corrs, pred, s.opts.Window.MaxPixelError)
	if err != nil || inliers < s.opts.MinTracked {
		s.logger.Warnw("pose solve rejected", "inliers", inliers, "error", err)
		s.relocTries = 0
		s.transition(EventTrackLost)
		return nil
	}

	if dt := frame.Time.Sub(s.lastTime).Seconds(); dt > 0 {
		s.velocity = pose.Translation.Sub(s.lastPose.Translation).Mul(1 / dt)
	}
	s.lastDelta = spatialmath.Between(s.lastPose, pose)
	s.lastPose = pose
	s.lastTime = frame.Time
	s.transition(EventTrackOK)

	overlap := 1.0
	if len(frame.Obs) > 0 {
		overlap = float64(len(assoc)) / float64(len(frame.Obs))
	}
	moved := pose.Translation.Sub(s.lastKFPose.Translation).Norm()
	if overlap >= s.opts.KeyframeOverlap && moved < s.opts.KeyframeSpacing {
		return nil
	}
	return s.promote(frame, pose, assoc)
}

// promote finalizes the frame as a keyframe: it enters the store with its
// associations attached, then the admission queue and the loop queue.
func (s *Session) promote(frame Frame, pose spatialmath.Pose, assoc []association) error {
	pre := s.finishInertial()
	kf := s.store.AddKeyframe(frame.Time, pose, frame.Obs, pre)
	for _, a := range assoc {
		if err := s.store.Attach(kf, a.obsIdx, a.landmark); err != nil {
			return err
		}
	}
	if pre != nil {
		s.kfVelocity = pre.VelocityAfter(s.lastKFPose, s.kfVelocity, s.opts.Gravity)
	} else {
		s.kfVelocity = s.velocity
	}
	s.lastKFPose = pose
	s.enqueueAdmit(kf)
	s.enqueueLoopQuery(kf)
	s.logger.Debugw("keyframe promoted", "keyframe", kf, "tracked", len(assoc))
	return nil
}

func (s *Session) relocalize(ctx context.Context, frame Frame) error {
	recovered := false
	var pose spatialmath.Pose
	if s.recognizer != nil {
		p, kf, ok, err := s.recognizer.Relocalize(ctx, frame.Obs)
		if err != nil {
			return err
		}
		if ok {
			pose, recovered = p, true
			s.logger.Infow("relocalized against map", "keyframe", kf)
		}
	} else {
		// without a recognizer, retry association around the last known
		// pose, against the whole store rather than the window tail
		assoc := s.associate(s.lastPose, frame.Obs, s.store.KeyframeIDs())
		if len(assoc) >= s.opts.MinTracked {
			corrs := make([]window.Correspondence, len(assoc))
			for i, a := range assoc {
				corrs[i] = a.corr
			}
			p, inliers, err := window.SolveRigPose(ctx, s.slv, s.rig, corrs, s.lastPose, s.opts.Window.MaxPixelError)
			if err == nil && inliers >= s.opts.MinTracked {
				pose, recovered = p, true
			}
		}
	}

	if recovered {
		s.lastPose = pose
		s.lastDelta = spatialmath.NewZeroPose()
		s.lastTime = frame.Time
		s.velocity = r3.Vector{}
		s.relocTries = 0
		s.transition(EventRelocalized)
		return nil
	}
	s.relocTries++
	if s.relocTries >= s.opts.RelocalizeRetries {
		s.transition(EventRetriesExhausted)
		return errors.Wrapf(ErrSessionFailed, "after %d attempts", s.relocTries)
	}
	s.transition(EventTrackLost)
	return nil
}

func (s *Session) enqueueAdmit(kf sparsemap.KeyframeID) {
	// admissions are ordered and never dropped; a full queue blocks the
	// caller. The read lock keeps Close from closing the channel mid-send.
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return
	}
	s.baQueue <- baTask{kind: taskAdmit, keyframe: kf}
}

func (s *Session) enqueueLoopQuery(kf sparsemap.KeyframeID) {
	if s.recognizer == nil {
		return
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return
	}
	for {
		select {
		case s.loopQueue <- kf:
			return
		default:
		}
		select {
		case <-s.loopQueue:
			s.droppedLoops.Inc()
		default:
		}
	}
}

// DroppedLoopCandidates reports how many pending loop queries were shed
// under backpressure.
func (s *Session) DroppedLoopCandidates() int64 {
	return s.droppedLoops.Load()
}

func (s *Session) runBATask(task baTask) {
	switch task.kind {
	case taskAdmit:
		if err := s.adjuster.Admit(s.workerCtx, task.keyframe); err != nil {
			if errors.Is(err, window.ErrWindowDiverged) {
				s.logger.Warnw("window diverged, keeping prior state", "keyframe", task.keyframe)
				return
			}
			s.logger.Errorw("keyframe admission", "keyframe", task.keyframe, "error", err)
		}
	case taskReanchor:
		if err := s.adjuster.Reanchor(task.oldAnchor, task.newAnchor); err != nil {
			s.logger.Errorw("window re-anchor", "error", err)
		}
	}
}

func (s *Session) runLoopQuery(kf sparsemap.KeyframeID) {
	c, err := s.recognizer.Observe(s.workerCtx, kf)
	if err != nil {
		s.logger.Errorw("loop query", "keyframe", kf, "error", err)
		return
	}
	if c == nil {
		return
	}
	s.constraints = append(s.constraints, *c)
	s.applyLoop(c)
}

// applyLoop distributes a verified loop constraint over the trajectory and
// signals the window to re-express its landmarks.
func (s *Session) applyLoop(c *loop.Constraint) {
	oldAnchor, err := s.store.KeyframePose(c.To)
	if err != nil {
		s.logger.Errorw("loop anchor lookup", "error", err)
		return
	}
	ids := s.store.KeyframeIDs()
	lastID := ids[len(ids)-1]
	oldLast, err := s.store.KeyframePose(lastID)
	if err != nil {
		s.logger.Errorw("loop anchor lookup", "error", err)
		return
	}
	g, err := posegraph.FromStore(s.store, s.logger)
	if err != nil {
		s.logger.Errorw("pose graph build", "error", err)
		return
	}
	for _, cc := range s.constraints {
		g.AddEdge(posegraph.Edge{From: cc.From, To: cc.To, Rel: cc.Rel, Kind: posegraph.LoopClosure})
	}
	corrected, err := g.Optimize(s.workerCtx, s.slv)
	if errors.Is(err, posegraph.ErrDisconnected) {
		// the reachable component is still corrected
		s.logger.Warnw("pose graph disconnected, unreachable nodes keep their poses", "error", err)
	} else if err != nil {
		s.logger.Errorw("pose graph solve", "error", err)
		return
	}
	if corrected == nil {
		return
	}
	if err := posegraph.Apply(s.store, corrected); err != nil {
		s.logger.Errorw("applying pose corrections", "error", err)
		return
	}
	s.logger.Infow("loop closure applied", "from", c.From, "to", c.To, "nodes", len(corrected))
	if newAnchor, ok := corrected[c.To]; ok {
		s.closeMu.RLock()
		s.baQueue <- baTask{kind: taskReanchor, oldAnchor: oldAnchor, newAnchor: newAnchor}
		s.closeMu.RUnlock()
	}

	// tracking re-anchors off the latest corrected keyframe
	if newLast, ok := corrected[lastID]; ok {
		s.pushCorrection(spatialmath.Compose(newLast, oldLast.Invert()))
	}
}

// Trajectory returns the timestamped keyframe poses in keyframe order.
func (s *Session) Trajectory() ([]TimedPose, error) {
	ids := s.store.KeyframeIDs()
	out := make([]TimedPose, 0, len(ids))
	for _, id := range ids {
		pose, err := s.store.KeyframePose(id)
		if err != nil {
			return nil, err
		}
		t, err := s.store.KeyframeTime(id)
		if err != nil {
			return nil, err
		}
		out = append(out, TimedPose{Time: t, Pose: pose})
	}
	return out, nil
}

// Map returns an immutable snapshot of the current map.
func (s *Session) Map() *sparsemap.Snapshot {
	return s.store.Snapshot()
}

// Store exposes the live map for the calibration front-end.
func (s *Session) Store() *sparsemap.Store {
	return s.store
}

// Close drains both work queues, finishing in-flight solves, then stops the
// workers. Process calls made after Close fail fast.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Each queue is closed under the write lock so no sender holding the
	// read lock can race the close. The lock is released before waiting:
	// workers keep draining while a late sender finishes its send.
	s.closeMu.Lock()
	close(s.loopQueue)
	s.closeMu.Unlock()
	s.loopWorkers.Wait()
	s.closeMu.Lock()
	close(s.baQueue)
	s.closeMu.Unlock()
	s.baWorkers.Wait()
	s.workerStop()
	return ctx.Err()
}

func normalizedPoint(m camera.Model, px r2.Point) r2.Point {
	v := m.Unproject(px)
	return r2.Point{X: v.X / v.Z, Y: v.Y / v.Z}
}
