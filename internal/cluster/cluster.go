package cluster

import (
	"errors"
	"fmt"
)

// cluster.go defines the static config for our KV cluster.
// the position of a node in the list is its shard index, so the
// order here must be the same for every server and every clerk.

type NodeConfig struct {
	ID         string
	ClientAddr string // HTTP address for clients and replication
	RPCAddr    string // net/rpc address
}

// Config is the part of the cluster layout the protocol cares about.
type Config struct {
	NServers  int
	NReplicas int // 0 means 1
}

var ErrNoServers = errors.New("cluster: need at least one server")

// Static 3-node cluster config.
var staticCluster = []NodeConfig{
	{ID: "n1", ClientAddr: ":8090", RPCAddr: ":9090"},
	{ID: "n2", ClientAddr: ":8091", RPCAddr: ":9091"},
	{ID: "n3", ClientAddr: ":8092", RPCAddr: ":9092"},
}

// returns (thisNode, its shard index, allNodes, error).
func ConfigForID(id string) (NodeConfig, int, []NodeConfig, error) {
	all := ClusterConfig()

	for i, c := range all {
		if c.ID == id {
			return c, i, all, nil
		}
	}
	return NodeConfig{}, -1, nil, fmt.Errorf("unknown node id %q", id)
}

// returns copy of our slice of NodeConfigs
func ClusterConfig() []NodeConfig {
	out := make([]NodeConfig, len(staticCluster))
	copy(out, staticCluster)
	return out
}

// New builds a Config for nservers servers with nreplicas owners per key.
func New(nservers, nreplicas int) Config {
	return Config{NServers: nservers, NReplicas: nreplicas}
}

func (c Config) Validate() error {
	if c.NServers < 1 {
		return fmt.Errorf("%w: nservers=%d", ErrNoServers, c.NServers)
	}
	if c.NReplicas < 0 {
		return fmt.Errorf("cluster: negative nreplicas=%d", c.NReplicas)
	}
	return nil
}

// Replicas is the effective replica factor: absent means 1 and
// there can never be more owners than servers.
func (c Config) Replicas() int {
	r := c.NReplicas
	if r < 1 {
		r = 1
	}
	if c.NServers > 0 && r > c.NServers {
		r = c.NServers
	}
	return r
}
