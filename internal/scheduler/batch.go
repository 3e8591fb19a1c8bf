package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skylapse/brain/internal/config"
)

// CaptureTarget is one (node, profile) pair to capture within a batch.
type CaptureTarget struct {
	Node      config.Node
	ProfileID string
}

// CaptureOutcome is the per-target result of a capture batch.
type CaptureOutcome struct {
	Target          CaptureTarget
	Filenames       []string
	SettingsApplied map[string]interface{}
	HDRGroupID      *string
	Err             error
}

// captureFunc performs one node/profile capture and is supplied by the
// caller (Scheduler) so this file stays a pure concurrency primitive.
type captureFunc func(ctx context.Context, target CaptureTarget) CaptureOutcome

// runCaptureBatch fans out targets grouped by node, bounded to maxParallel
// concurrent nodes; within one node, targets are processed sequentially to
// avoid saturating the camera (spec §4.6). The whole batch is cancelled at
// deadline; in-flight calls are abandoned and their results discarded.
func runCaptureBatch(ctx context.Context, deadline time.Time, targets []CaptureTarget, maxParallel int, call captureFunc) []CaptureOutcome {
	batchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	byNode := make(map[string][]CaptureTarget)
	var nodeOrder []string
	for _, t := range targets {
		if _, ok := byNode[t.Node.ID]; !ok {
			nodeOrder = append(nodeOrder, t.Node.ID)
		}
		byNode[t.Node.ID] = append(byNode[t.Node.ID], t)
	}

	if maxParallel <= 0 {
		maxParallel = len(nodeOrder)
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	var mu sync.Mutex
	var outcomes []CaptureOutcome

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(maxParallel)

	for _, nodeID := range nodeOrder {
		nodeTargets := byNode[nodeID]
		g.Go(func() error {
			for _, target := range nodeTargets {
				select {
				case <-gctx.Done():
					mu.Lock()
					outcomes = append(outcomes, CaptureOutcome{Target: target, Err: gctx.Err()})
					mu.Unlock()
					continue
				default:
				}
				outcome := call(gctx, target)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
			return nil
		})
	}
	// errgroup only reports the first error from Go funcs that return one;
	// this batch never returns an error from the per-node goroutine itself,
	// so Wait here only blocks for completion/cancellation.
	_ = g.Wait()

	return outcomes
}
