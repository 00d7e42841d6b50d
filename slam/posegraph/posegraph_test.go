package posegraph

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// driftedSquare is a square trajectory whose odometry drifts a little each
// step, with the drifted chained estimates alongside the ground truth.
func driftedSquare() (truth, drifted []spatialmath.Pose, odom []spatialmath.Pose) {
	truth = []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Rotation),
		spatialmath.NewPose(r3.Vector{X: 1, Y: 1}, spatialmath.NewZeroPose().Rotation),
		spatialmath.NewPose(r3.Vector{Y: 1}, spatialmath.NewZeroPose().Rotation),
		spatialmath.NewZeroPose(),
	}
	bias := spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 0.04, Y: -0.02}, r3.Vector{Z: 1}, 0.015)
	drifted = []spatialmath.Pose{truth[0]}
	for i := 1; i < len(truth); i++ {
		rel := spatialmath.Compose(spatialmath.Between(truth[i-1], truth[i]), bias)
		odom = append(odom, rel)
		drifted = append(drifted, spatialmath.Compose(drifted[i-1], rel))
	}
	return truth, drifted, odom
}

func buildGraph(t *testing.T, poses []spatialmath.Pose, odom []spatialmath.Pose) *Graph {
	t.Helper()
	g := NewGraph(golog.NewTestLogger(t))
	for i, p := range poses {
		test.That(t, g.AddNode(sparsemap.KeyframeID(i+1), p), test.ShouldBeNil)
	}
	for i, rel := range odom {
		g.AddEdge(Edge{
			From: sparsemap.KeyframeID(i + 1),
			To:   sparsemap.KeyframeID(i + 2),
			Rel:  rel,
			Kind: Odometry,
		})
	}
	return g
}

func TestOptimizeClosesLoop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	slv := solver.NewGonumSolver(logger, solver.DefaultOptions())
	truth, drifted, odom := driftedSquare()

	g := buildGraph(t, drifted, odom)
	// the loop edge measures the true end-to-start relation
	g.AddEdge(Edge{
		From: 1,
		To:   sparsemap.KeyframeID(len(drifted)),
		Rel:  spatialmath.Between(truth[0], truth[len(truth)-1]),
		Kind: LoopClosure,
	})

	endBefore := drifted[len(drifted)-1].Translation.Sub(truth[len(truth)-1].Translation).Norm()
	test.That(t, endBefore, test.ShouldBeGreaterThan, 0.1)

	corrected, err := g.Optimize(context.Background(), slv)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, corrected, test.ShouldNotBeNil)
	test.That(t, len(corrected), test.ShouldEqual, len(drifted))

	// the origin is the gauge
	test.That(t, spatialmath.AlmostEqual(corrected[1], drifted[0], 1e-12), test.ShouldBeTrue)

	// the loop pulls the end of the trajectory back toward truth
	end := corrected[sparsemap.KeyframeID(len(drifted))]
	endAfter := end.Translation.Sub(truth[len(truth)-1].Translation).Norm()
	test.That(t, endAfter, test.ShouldBeLessThan, 0.05)
	test.That(t, endAfter, test.ShouldBeLessThan, endBefore/3)
}

func TestOptimizeIdempotent(t *testing.T) {
	logger := golog.NewTestLogger(t)
	slv := solver.NewGonumSolver(logger, solver.DefaultOptions())
	truth, drifted, odom := driftedSquare()
	loopEdge := Edge{
		From: 1,
		To:   sparsemap.KeyframeID(len(drifted)),
		Rel:  spatialmath.Between(truth[0], truth[len(truth)-1]),
		Kind: LoopClosure,
	}

	g := buildGraph(t, drifted, odom)
	g.AddEdge(loopEdge)
	first, err := g.Optimize(context.Background(), slv)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldNotBeNil)

	// re-optimizing from the corrected poses moves almost nothing
	ordered := make([]spatialmath.Pose, len(drifted))
	for i := range drifted {
		ordered[i] = first[sparsemap.KeyframeID(i+1)]
	}
	g2 := buildGraph(t, ordered, odom)
	g2.AddEdge(loopEdge)
	second, err := g2.Optimize(context.Background(), slv)
	test.That(t, err, test.ShouldBeNil)
	if second == nil {
		// an already-settled solve may be rejected as a non-improvement
		return
	}
	for id, p := range second {
		test.That(t, p.Translation.Sub(first[id].Translation).Norm(), test.ShouldBeLessThan, 1e-3)
	}
}

func TestOptimizeDisconnected(t *testing.T) {
	logger := golog.NewTestLogger(t)
	slv := solver.NewGonumSolver(logger, solver.DefaultOptions())
	truth, drifted, odom := driftedSquare()

	// the drifted square plus one stray node nothing connects to
	g := buildGraph(t, drifted, odom)
	stray := sparsemap.KeyframeID(len(drifted) + 1)
	test.That(t, g.AddNode(stray, spatialmath.NewPose(r3.Vector{X: 9}, spatialmath.NewZeroPose().Rotation)), test.ShouldBeNil)
	g.AddEdge(Edge{
		From: 1,
		To:   sparsemap.KeyframeID(len(drifted)),
		Rel:  spatialmath.Between(truth[0], truth[len(truth)-1]),
		Kind: LoopClosure,
	})

	corrected, err := g.Optimize(context.Background(), slv)
	test.That(t, errors.Is(err, ErrDisconnected), test.ShouldBeTrue)

	// the reachable component is still corrected; the stray node is not
	test.That(t, corrected, test.ShouldNotBeNil)
	test.That(t, len(corrected), test.ShouldEqual, len(drifted))
	_, ok := corrected[stray]
	test.That(t, ok, test.ShouldBeFalse)
	end := corrected[sparsemap.KeyframeID(len(drifted))]
	endBefore := drifted[len(drifted)-1].Translation.Sub(truth[len(truth)-1].Translation).Norm()
	endAfter := end.Translation.Sub(truth[len(truth)-1].Translation).Norm()
	test.That(t, endAfter, test.ShouldBeLessThan, endBefore/3)
}

func TestOptimizeOnlyOriginReachable(t *testing.T) {
	logger := golog.NewTestLogger(t)
	slv := solver.NewGonumSolver(logger, solver.DefaultOptions())

	g := NewGraph(logger)
	test.That(t, g.AddNode(1, spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, g.AddNode(2, spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Rotation)), test.ShouldBeNil)
	test.That(t, g.AddNode(3, spatialmath.NewPose(r3.Vector{X: 2}, spatialmath.NewZeroPose().Rotation)), test.ShouldBeNil)
	g.AddEdge(Edge{From: 2, To: 3, Rel: spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Rotation)})

	corrected, err := g.Optimize(context.Background(), slv)
	test.That(t, errors.Is(err, ErrDisconnected), test.ShouldBeTrue)
	test.That(t, corrected, test.ShouldBeNil)
}

func TestOptimizeEdgeToUnknownNode(t *testing.T) {
	logger := golog.NewTestLogger(t)
	slv := solver.NewGonumSolver(logger, solver.DefaultOptions())

	g := NewGraph(logger)
	test.That(t, g.AddNode(1, spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, g.AddNode(2, spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Rotation)), test.ShouldBeNil)
	g.AddEdge(Edge{From: 1, To: 99, Rel: spatialmath.NewZeroPose()})

	_, err := g.Optimize(context.Background(), slv)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldNotEqual, ErrDisconnected)
}

func TestFromStoreAndApply(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := sparsemap.NewStore()
	t0 := time.Now()
	var ids []sparsemap.KeyframeID
	for i := 0; i < 3; i++ {
		ids = append(ids, store.AddKeyframe(t0.Add(time.Duration(i)*time.Second),
			spatialmath.NewPose(r3.Vector{X: float64(i)}, spatialmath.NewZeroPose().Rotation), nil, nil))
	}

	g, err := FromStore(store, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.Len(), test.ShouldEqual, 3)

	corrected := map[sparsemap.KeyframeID]spatialmath.Pose{
		ids[2]: spatialmath.NewPose(r3.Vector{X: 2.5}, spatialmath.NewZeroPose().Rotation),
	}
	test.That(t, Apply(store, corrected), test.ShouldBeNil)
	got, err := store.KeyframePose(ids[2])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Translation.X, test.ShouldAlmostEqual, 2.5, 1e-12)

	test.That(t, Apply(store, nil), test.ShouldBeNil)
}
