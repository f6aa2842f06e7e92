// Package kvtest wires a cluster of key/value servers together over the
// in-process network so tests can drive them with clerks, cut servers
// off and inspect what each one holds.
package kvtest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/cluster"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/kvserver"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/transport"
)

type Config struct {
	t       testing.TB
	Net     *transport.Network
	Cluster cluster.Config
	Servers []*kvserver.KVServer

	mu     sync.Mutex
	endsTo map[int][]string // end names that point at server i
	nextID int
}

// MakeConfig starts n servers with r owners per key. Servers replicate to
// each other over their own ends, so partitioning a server also cuts it
// off from replication.
func MakeConfig(t testing.TB, n, r int, unreliable bool) *Config {
	t.Helper()

	cfg := &Config{
		t:       t,
		Net:     transport.MakeNetwork(),
		Cluster: cluster.New(n, r),
		endsTo:  make(map[int][]string),
	}
	if err := cfg.Cluster.Validate(); err != nil {
		t.Fatalf("kvtest: %v", err)
	}
	cfg.Net.LostWait(2 * time.Millisecond)

	for i := 0; i < n; i++ {
		peers := make([]transport.Client, n)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			peers[j] = cfg.makeEnd(fmt.Sprintf("peer-%d-%d", i, j), j)
		}
		kv := kvserver.StartKVServer(i, peers, cfg.Cluster)
		kv.SetReplicateTimeout(100 * time.Millisecond)
		cfg.Net.AddServer(ServerName(i), kv)
		cfg.Servers = append(cfg.Servers, kv)
	}

	cfg.Net.Reliable(!unreliable)
	t.Cleanup(cfg.Cleanup)
	return cfg
}

func ServerName(i int) string {
	return fmt.Sprintf("server-%d", i)
}

func (cfg *Config) makeEnd(name string, server int) *transport.ClientEnd {
	end := cfg.Net.MakeEnd(name)
	cfg.Net.Connect(name, ServerName(server))
	cfg.Net.Enable(name, true)

	cfg.mu.Lock()
	cfg.endsTo[server] = append(cfg.endsTo[server], name)
	cfg.mu.Unlock()
	return end
}

// ClerkEnds returns a fresh end to every server, in shard order.
func (cfg *Config) ClerkEnds() []transport.Client {
	cfg.mu.Lock()
	id := cfg.nextID
	cfg.nextID++
	cfg.mu.Unlock()

	ends := make([]transport.Client, len(cfg.Servers))
	for i := range cfg.Servers {
		ends[i] = cfg.makeEnd(fmt.Sprintf("clerk-%d-%d", id, i), i)
	}
	return ends
}

// Disconnect makes server i unreachable from everybody.
func (cfg *Config) Disconnect(i int) {
	cfg.setReachable(i, false)
}

func (cfg *Config) Connect(i int) {
	cfg.setReachable(i, true)
}

func (cfg *Config) setReachable(i int, yes bool) {
	cfg.mu.Lock()
	names := append([]string(nil), cfg.endsTo[i]...)
	cfg.mu.Unlock()
	for _, name := range names {
		cfg.Net.Enable(name, yes)
	}
}

// Value reads key straight out of server i's store, bypassing ownership.
func (cfg *Config) Value(i int, key string) (string, bool) {
	v, ok := cfg.Servers[i].Snapshot().Data[key]
	return v, ok
}

// Crash kills server i and takes it off the network for good.
func (cfg *Config) Crash(i int) {
	cfg.Servers[i].Kill()
	cfg.Net.DeleteServer(ServerName(i))
}

func (cfg *Config) Cleanup() {
	for i := range cfg.Servers {
		cfg.Crash(i)
	}
}
