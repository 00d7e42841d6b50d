// Package posegraph corrects the keyframe trajectory after a verified loop
// closure. Keyframe poses become graph nodes, sequential odometry and loop
// constraints become relative-pose edges, and a nonlinear solve distributes
// the loop error over the whole trajectory.
package posegraph

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// ErrDisconnected reports that some node cannot be reached from the origin
// through edges. Optimize still corrects the reachable component; the
// unreachable nodes keep their poses and are corrected only by later local
// tracking.
var ErrDisconnected = errors.New("pose graph is disconnected")

// EdgeKind tags how an edge was measured.
type EdgeKind int

// Recognized edge kinds.
const (
	Odometry EdgeKind = iota
	LoopClosure
)

// Edge constrains the pose of To relative to From.
type Edge struct {
	From, To sparsemap.KeyframeID
	// Rel is the measured pose of To expressed in the frame of From.
	Rel  spatialmath.Pose
	Kind EdgeKind
}

// Graph is a pose graph under construction. Driven by a single goroutine.
type Graph struct {
	logger golog.Logger

	order []sparsemap.KeyframeID
	nodes map[sparsemap.KeyframeID]spatialmath.Pose
	edges []Edge
}

// NewGraph returns an empty pose graph.
func NewGraph(logger golog.Logger) *Graph {
	return &Graph{
		logger: logger,
		nodes:  map[sparsemap.KeyframeID]spatialmath.Pose{},
	}
}

// FromStore builds a graph over every keyframe of the store, chained with
// odometry edges in keyframe order.
func FromStore(store *sparsemap.Store, logger golog.Logger) (*Graph, error) {
	g := NewGraph(logger)
	ids := store.KeyframeIDs()
	for i, id := range ids {
		pose, err := store.KeyframePose(id)
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(id, pose); err != nil {
			return nil, err
		}
		if i > 0 {
			prevPose, err := store.KeyframePose(ids[i-1])
			if err != nil {
				return nil, err
			}
			g.AddEdge(Edge{
				From: ids[i-1],
				To:   id,
				Rel:  spatialmath.Between(prevPose, pose),
				Kind: Odometry,
			})
		}
	}
	return g, nil
}

// AddNode registers a keyframe at its current pose estimate. The first node
// added is the gauge: its pose stays fixed through optimization.
func (g *Graph) AddNode(id sparsemap.KeyframeID, pose spatialmath.Pose) error {
	if _, ok := g.nodes[id]; ok {
		return errors.Errorf("node %d already in graph", id)
	}
	g.order = append(g.order, id)
	g.nodes[id] = pose
	return nil
}

// AddEdge registers a relative-pose constraint. Both endpoints must be
// nodes.
func (g *Graph) AddEdge(e Edge) {
	g.edges = append(g.edges, e)
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// reachable returns the nodes connected to the origin through edges in
// either direction.
func (g *Graph) reachable() map[sparsemap.KeyframeID]bool {
	if len(g.order) == 0 {
		return nil
	}
	adj := map[sparsemap.KeyframeID][]sparsemap.KeyframeID{}
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
	}
	seen := map[sparsemap.KeyframeID]bool{g.order[0]: true}
	queue := []sparsemap.KeyframeID{g.order[0]}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// Optimize solves the graph and returns the corrected pose of every node
// reachable from the origin. The origin keeps its pose exactly. Edges
// referencing unknown nodes are an error; unreachable nodes are left out of
// the correction and reported through a non-nil ErrDisconnected alongside
// the map for the reachable component.
func (g *Graph) Optimize(ctx context.Context, slv solver.Solver) (map[sparsemap.KeyframeID]spatialmath.Pose, error) {
	if len(g.order) < 2 || len(g.edges) == 0 {
		return nil, nil
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, errors.Errorf("edge references unknown node %d", e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, errors.Errorf("edge references unknown node %d", e.To)
		}
	}
	seen := g.reachable()
	var skipErr error
	if len(seen) != len(g.nodes) {
		skipErr = errors.Wrapf(ErrDisconnected, "%d of %d nodes unreachable", len(g.nodes)-len(seen), len(g.nodes))
		if len(seen) < 2 {
			return nil, skipErr
		}
	}

	// parameter layout: 6 per reachable node except the origin
	offset := map[sparsemap.KeyframeID]int{}
	var seed []float64
	for _, id := range g.order[1:] {
		if !seen[id] {
			continue
		}
		offset[id] = len(seed)
		seed = append(seed, g.nodes[id].Parameters()...)
	}
	origin := g.nodes[g.order[0]]

	var problem solver.Problem
	for _, e := range g.edges {
		e := e
		if !seen[e.From] || !seen[e.To] {
			continue
		}
		fromOff, fromVaries := offset[e.From]
		toOff, toVaries := offset[e.To]
		// loop edges stay robust against a residual false positive
		var loss solver.Loss
		if e.Kind == LoopClosure {
			loss = solver.HuberLoss(0.5)
		}
		problem.Add(6, loss, func(x, out []float64) {
			from, to := origin, origin
			if fromVaries {
				from = spatialmath.NewPoseFromParameters(x[fromOff : fromOff+6])
			}
			if toVaries {
				to = spatialmath.NewPoseFromParameters(x[toOff : toOff+6])
			}
			copy(out, spatialmath.Between(e.Rel, spatialmath.Between(from, to)).Parameters())
		})
	}

	result, err := slv.Minimize(ctx, &problem, seed)
	if err != nil {
		return nil, err
	}
	if result.FinalCost > result.InitialCost {
		g.logger.Warnw("pose graph solve increased residual, keeping prior poses",
			"initial", result.InitialCost, "final", result.FinalCost)
		return nil, skipErr
	}

	corrected := make(map[sparsemap.KeyframeID]spatialmath.Pose, len(seen))
	corrected[g.order[0]] = origin
	for id, off := range offset {
		corrected[id] = spatialmath.NewPoseFromParameters(result.Params[off : off+6])
	}
	return corrected, skipErr
}

// Apply writes corrected poses back to the store in one atomic step.
func Apply(store *sparsemap.Store, corrected map[sparsemap.KeyframeID]spatialmath.Pose) error {
	if len(corrected) == 0 {
		return nil
	}
	return store.ApplyCorrections(corrected)
}
