package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylapse/brain/internal/config"
)

func TestNodePool_RecordFailureCrossesThresholdOnce(t *testing.T) {
	p := NewNodePool(nil)
	p.Sync([]config.Node{{ID: "n1", Host: "h", Port: 1}})

	require.False(t, p.RecordFailure("n1"))
	require.False(t, p.RecordFailure("n1"))
	require.True(t, p.RecordFailure("n1"), "third consecutive failure should cross nodeDownThreshold")
	require.False(t, p.RecordFailure("n1"), "already down, no repeat transition")
}

func TestNodePool_RecordSuccessReportsRecoveryOnlyOnTransition(t *testing.T) {
	p := NewNodePool(nil)
	p.Sync([]config.Node{{ID: "n1", Host: "h", Port: 1}})

	require.False(t, p.RecordSuccess("n1", time.Now()), "node was never down")

	p.RecordFailure("n1")
	p.RecordFailure("n1")
	p.RecordFailure("n1")

	require.True(t, p.RecordSuccess("n1", time.Now()), "first success after going down is a recovery")
	require.False(t, p.RecordSuccess("n1", time.Now()), "already up, no repeat recovery")
}

func TestNodePool_SyncDropsStateForRemovedNodes(t *testing.T) {
	p := NewNodePool(nil)
	p.Sync([]config.Node{{ID: "n1", Host: "h", Port: 1}})
	p.RecordFailure("n1")
	p.RecordFailure("n1")
	p.RecordFailure("n1")

	p.Sync([]config.Node{}) // n1 removed
	p.Sync([]config.Node{{ID: "n1", Host: "h", Port: 1}}) // re-added, fresh state

	require.False(t, p.RecordFailure("n1"))
	require.False(t, p.RecordFailure("n1"))
	require.True(t, p.RecordFailure("n1"), "re-added node should not inherit the old failure streak")
}
