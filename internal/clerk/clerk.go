// Package clerk is the client side of the sharded key/value service.
//
// A Clerk computes which servers own a key, sends the request to the
// primary first and then to each follower in turn. Only calls that got no
// reply move on to the next owner; a server that answers with an error
// ends the call. When every owner has failed to answer it starts over,
// forever, with no backoff. The same
// request (same client id and sequence number) is resent on every
// attempt, which is what lets the servers filter out duplicates.
//
// A Clerk is not safe for concurrent use; give each caller its own.
package clerk

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/cluster"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/kvserver"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/shard"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/transport"
)

const DefaultCallTimeout = 100 * time.Millisecond

type Clerk struct {
	servers   []transport.Client // indexed by shard position
	nservers  int
	nreplicas int
	clientID  int64
	seq       int64

	// CallTimeout bounds a single attempt against one server.
	CallTimeout time.Duration
}

func nrand() int64 {
	max := big.NewInt(int64(1) << 62)
	bigx, _ := rand.Int(rand.Reader, max)
	x := bigx.Int64()
	return x
}

// MakeClerk builds a clerk for the cluster reachable through servers.
// servers[i] must reach the server at shard position i. The cluster size
// is always len(servers); cfg only supplies the replica count.
func MakeClerk(servers []transport.Client, cfg cluster.Config) *Clerk {
	cfg.NServers = len(servers)
	return &Clerk{
		servers:     servers,
		nservers:    cfg.NServers,
		nreplicas:   cfg.Replicas(),
		clientID:    nrand(),
		CallTimeout: DefaultCallTimeout,
	}
}

func (ck *Clerk) ClientID() int64 { return ck.clientID }

func (ck *Clerk) nextSeq() int64 {
	ck.seq++
	return ck.seq
}

// targets is the primary followed by its followers, in order.
func (ck *Clerk) targets(key string) []int {
	return shard.OwnerSet(shard.Of(key, ck.nservers), ck.nreplicas, ck.nservers)
}

// call keeps sending args to the owners of key until one of them answers
// or ctx ends. newReply hands out a fresh reply for every attempt, so a
// late answer to an abandoned attempt can't scribble over the result.
func (ck *Clerk) call(ctx context.Context, key, method string, args any, newReply func() any) (any, error) {
	owners := ck.targets(key)
	for pass := 0; ; pass++ {
		for _, idx := range owners {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			reply := newReply()
			actx, cancel := context.WithTimeout(ctx, ck.CallTimeout)
			err := ck.servers[idx].Call(actx, method, args, reply)
			cancel()

			if err == nil {
				// wrong-shard rejections are accepted as well, they
				// can't be told apart from an empty value
				return reply, nil
			}
			if !transport.IsTimeout(err) {
				log.Printf("clerk=%d method=%s key=%q server=%d: %v", ck.clientID, method, key, idx, err)
				return nil, err
			}
			kvserver.DPrintf("C%d %s key=%q server=%d pass=%d: %v", ck.clientID, method, key, idx, pass, err)
		}
		if pass > 0 && pass%100 == 0 {
			log.Printf("clerk=%d method=%s key=%q: no owner answered after %d passes", ck.clientID, method, key, pass)
		}
	}
}

// fetch the current value for a key.
// returns "" if the key does not exist, or if a server answered
// with an error. keeps trying forever while no owner replies.
func (ck *Clerk) Get(key string) string {
	v, _ := ck.GetContext(context.Background(), key)
	return v
}

// GetContext is Get that gives up when ctx ends.
func (ck *Clerk) GetContext(ctx context.Context, key string) (string, error) {
	args := &kvserver.GetArgs{
		Key:      key,
		ClientID: ck.clientID,
		Seq:      ck.nextSeq(),
	}
	reply, err := ck.call(ctx, key, kvserver.MethodGet, args, func() any { return &kvserver.GetReply{} })
	if err != nil {
		return "", err
	}
	return reply.(*kvserver.GetReply).Value, nil
}

// shared by Put and Append. op must be kvserver.OpPut or kvserver.OpAppend.
func (ck *Clerk) PutAppend(ctx context.Context, key string, value string, op string) (string, error) {
	var method string
	switch op {
	case kvserver.OpPut:
		method = kvserver.MethodPut
	case kvserver.OpAppend:
		method = kvserver.MethodAppend
	default:
		return "", fmt.Errorf("%w: %q", kvserver.ErrUnknownOp, op)
	}

	args := &kvserver.PutAppendArgs{
		Key:      key,
		Value:    value,
		Op:       op,
		ClientID: ck.clientID,
		Seq:      ck.nextSeq(),
	}
	reply, err := ck.call(ctx, key, method, args, func() any { return &kvserver.PutAppendReply{} })
	if err != nil {
		return "", err
	}
	return reply.(*kvserver.PutAppendReply).Value, nil
}

func (ck *Clerk) Put(key string, value string) {
	_, _ = ck.PutAppend(context.Background(), key, value, kvserver.OpPut)
}

// Append value to key's value and return the value it had before.
func (ck *Clerk) Append(key string, value string) string {
	v, _ := ck.PutAppend(context.Background(), key, value, kvserver.OpAppend)
	return v
}

func (ck *Clerk) PutContext(ctx context.Context, key string, value string) error {
	_, err := ck.PutAppend(ctx, key, value, kvserver.OpPut)
	return err
}

func (ck *Clerk) AppendContext(ctx context.Context, key string, value string) (string, error) {
	return ck.PutAppend(ctx, key, value, kvserver.OpAppend)
}
