package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/nodeclient"
)

// nodeFetcher lazily builds one nodeclient.Client per node id encountered,
// so the worker pool doesn't need the scheduler's NodePool to fetch the raw
// image bytes a capture row refers to.
type nodeFetcher struct {
	mu      sync.Mutex
	clients map[string]*nodeclient.Client
	log     *zap.Logger
}

func newNodeFetcher(log *zap.Logger) *nodeFetcher {
	return &nodeFetcher{clients: make(map[string]*nodeclient.Client), log: log}
}

func (f *nodeFetcher) client(node config.Node) *nodeclient.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[node.ID]
	if !ok {
		c = nodeclient.New(node.Host, node.Port, f.log)
		f.clients[node.ID] = c
	}
	return c
}

// fetch retrieves the raw bytes for a capture's image from the node it was
// taken on, identified by profile id (the node serves images by profile
// directory) and filename.
func (f *nodeFetcher) fetch(ctx context.Context, cfg config.Config, nodeID, profileID, filename string) ([]byte, error) {
	node, ok := nodeFromConfig(cfg, nodeID)
	if !ok {
		return nil, fmt.Errorf("worker: node %s not found in current config", nodeID)
	}
	return f.client(node).Image(ctx, profileID, filename)
}

func nodeFromConfig(cfg config.Config, nodeID string) (config.Node, bool) {
	for _, n := range cfg.Nodes {
		if n.ID == nodeID {
			return n, true
		}
	}
	return config.Node{}, false
}
