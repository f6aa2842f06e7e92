package kvserver

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/shard"
)

// replicate pushes a freshly committed value to the key's followers and
// waits for every attempt to finish. It is best effort: a follower that
// misses the call stays stale, there is no retry and nothing is rolled
// back here. Must be called without kv.mu held.
func (kv *KVServer) replicate(key, value string, version uint64) {
	r := kv.cfg.Replicas()
	if r <= 1 {
		return
	}
	n := kv.cfg.NServers
	primary := shard.Of(key, n)

	args := &ReplicateArgs{Key: key, Value: value, Origin: kv.me, Version: version}

	kv.mu.Lock()
	timeout := kv.replicateTimeout
	kv.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	for off := 1; off < r; off++ {
		peer := (primary + off) % n
		if peer == kv.me {
			continue
		}
		if peer >= len(kv.peers) || kv.peers[peer] == nil {
			log.Printf("replicate_skip me=%d peer=%d key=%q: no client for peer", kv.me, peer, key)
			kv.metrics.replicateFailed.Add(1)
			continue
		}
		end := kv.peers[peer]

		g.Go(func() error {
			var reply ReplicateReply
			if err := end.Call(ctx, MethodApplyUpdate, args, &reply); err != nil {
				kv.metrics.replicateFailed.Add(1)
				return fmt.Errorf("peer %d: %w", peer, err)
			}
			kv.metrics.replicated.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("replicate_failed me=%d key=%q version=%d err=%v", kv.me, key, version, err)
	}
}
