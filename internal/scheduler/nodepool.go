package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/nodeclient"
)

// nodeDownThreshold is the number of consecutive tick-level capture
// failures against one node before it is declared down and
// events.EventNodeUnreachable fires, per spec §58's online ∈ {unknown, up,
// down}. A single failed tick is not enough — the capture batch's own
// deadline and the node client's 3x retry already absorb one bad call.
const nodeDownThreshold = 3

// nodeState is the runtime-observed half of spec §58's Node: online status
// and last_seen, derived from capture outcomes rather than config-declared.
type nodeState struct {
	online            bool
	consecutiveFailed int
	lastSeen          time.Time
}

// NodePool holds one HTTP client per configured node, rebuilt whenever the
// config snapshot's node list changes. Unlike the teacher's database-backed
// pool, membership here comes entirely from the config document: nodes are
// operator-declared, not self-registering.
type NodePool struct {
	mu      sync.RWMutex
	clients map[string]*nodeclient.Client
	nodes   map[string]config.Node
	state   map[string]*nodeState
	log     *zap.Logger
}

// NewNodePool returns an empty pool; call Sync to populate it.
func NewNodePool(log *zap.Logger) *NodePool {
	return &NodePool{
		clients: make(map[string]*nodeclient.Client),
		nodes:   make(map[string]config.Node),
		state:   make(map[string]*nodeState),
		log:     log,
	}
}

// Sync reconciles the pool against the current config snapshot's node list:
// new nodes get a client, removed nodes are dropped, unchanged nodes are
// left alone so in-flight calls on their client are unaffected.
func (p *NodePool) Sync(nodes []config.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = true
		existing, ok := p.nodes[n.ID]
		if ok && existing == n {
			continue
		}
		p.clients[n.ID] = nodeclient.New(n.Host, n.Port, p.log)
		p.nodes[n.ID] = n
		if _, ok := p.state[n.ID]; !ok {
			p.state[n.ID] = &nodeState{online: true}
		}
	}

	for id := range p.nodes {
		if !seen[id] {
			delete(p.clients, id)
			delete(p.nodes, id)
			delete(p.state, id)
		}
	}
}

// RecordSuccess marks nodeID reachable and updates its last-seen time,
// reporting whether it was previously down, i.e. just recovered.
func (p *NodePool) RecordSuccess(nodeID string, when time.Time) (recovered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[nodeID]
	if !ok {
		st = &nodeState{online: true}
		p.state[nodeID] = st
	}
	wasDown := !st.online
	st.online = true
	st.consecutiveFailed = 0
	st.lastSeen = when
	return wasDown
}

// RecordFailure counts a failed capture against nodeID and reports whether
// this call crossed nodeDownThreshold, i.e. the node just transitioned from
// up/unknown to down.
func (p *NodePool) RecordFailure(nodeID string) (wentDown bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[nodeID]
	if !ok {
		st = &nodeState{online: true}
		p.state[nodeID] = st
	}
	st.consecutiveFailed++
	if st.online && st.consecutiveFailed >= nodeDownThreshold {
		st.online = false
		return true
	}
	return false
}

// Client returns the client for a node id, if known.
func (p *NodePool) Client(nodeID string) (*nodeclient.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[nodeID]
	return c, ok
}

// Nodes returns a snapshot of all known nodes.
func (p *NodePool) Nodes() []config.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]config.Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	return out
}
