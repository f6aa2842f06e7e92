package kvserver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/cluster"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/shard"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/transport"
)

// server.go is the authoritative key/value map of one server.
// Every read and write of store and dup happens under mu; replication
// to the other owners of a key runs after mu is released.

const defaultReplicateTimeout = 500 * time.Millisecond

type replicaKey struct {
	origin int
	key    string
}

type KVServer struct {
	mu    sync.Mutex
	me    int // our shard position, fixed by whoever built the cluster
	cfg   cluster.Config
	peers []transport.Client // indexed by shard position, peers[me] unused
	dead  atomic.Bool

	store   map[string]string
	dup     *DedupTable
	version uint64                // bumped on every committed Put/Append
	applied map[replicaKey]uint64 // newest version applied per origin and key

	replicateTimeout time.Duration
	metrics          Metrics
}

// Snapshot is a point-in-time copy of a server's state.
type Snapshot struct {
	Me       int               `json:"me"`
	Data     map[string]string `json:"data"`
	Clients  int               `json:"clients"`
	Version  uint64            `json:"version"`
	Sessions []Session         `json:"sessions"` // the duplicate table
}

// StartKVServer builds the server sitting at position me of the cluster.
// peers[i] must reach the server at position i; it is only used to
// replicate writes, so it may be nil when cfg has a single replica.
func StartKVServer(me int, peers []transport.Client, cfg cluster.Config) *KVServer {
	return &KVServer{
		me:               me,
		cfg:              cfg,
		peers:            peers,
		store:            make(map[string]string),
		dup:              NewDedupTable(),
		applied:          make(map[replicaKey]uint64),
		replicateTimeout: defaultReplicateTimeout,
	}
}

func (kv *KVServer) Me() int { return kv.me }

// SetReplicateTimeout bounds each follower call made by replication.
func (kv *KVServer) SetReplicateTimeout(d time.Duration) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.replicateTimeout = d
}

func (kv *KVServer) owns(key string) bool {
	return shard.IsOwner(kv.me, key, kv.cfg.Replicas(), kv.cfg.NServers)
}

func (kv *KVServer) Get(args *GetArgs, reply *GetReply) error {
	kv.metrics.gets.Add(1)

	if !kv.owns(args.Key) {
		// wrong shard looks exactly like a missing key to the clerk
		kv.metrics.wrongShard.Add(1)
		DPrintf("S%d Get key=%q client=%d seq=%d rejected: wrong shard", kv.me, args.Key, args.ClientID, args.Seq)
		reply.Value = ""
		reply.Err = ErrWrongShard
		return nil
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	val := kv.store[args.Key]
	// reads are safe to repeat, nothing is cached for them
	kv.dup.RecordRead(args.ClientID, args.Seq)

	DPrintf("S%d Get key=%q client=%d seq=%d -> %q", kv.me, args.Key, args.ClientID, args.Seq, val)
	reply.Value = val
	reply.Err = OK
	return nil
}

func (kv *KVServer) Put(args *PutAppendArgs, reply *PutAppendReply) error {
	kv.metrics.puts.Add(1)
	return kv.putAppend(args, reply, false)
}

// Append returns the value the key held before the append.
func (kv *KVServer) Append(args *PutAppendArgs, reply *PutAppendReply) error {
	kv.metrics.appends.Add(1)
	return kv.putAppend(args, reply, true)
}

// PutAppend dispatches on args.Op.
func (kv *KVServer) PutAppend(args *PutAppendArgs, reply *PutAppendReply) error {
	switch args.Op {
	case OpPut:
		return kv.Put(args, reply)
	case OpAppend:
		return kv.Append(args, reply)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, args.Op)
	}
}

func (kv *KVServer) putAppend(args *PutAppendArgs, reply *PutAppendReply, isAppend bool) error {
	if !kv.owns(args.Key) {
		kv.metrics.wrongShard.Add(1)
		DPrintf("S%d %s key=%q client=%d seq=%d rejected: wrong shard", kv.me, args.Op, args.Key, args.ClientID, args.Seq)
		reply.Value = ""
		reply.Err = ErrWrongShard
		return nil
	}

	kv.mu.Lock()
	if cached, dup := kv.dup.IsDuplicate(args.ClientID, args.Seq); dup {
		kv.mu.Unlock()
		kv.metrics.dedupHits.Add(1)
		DPrintf("S%d %s key=%q client=%d seq=%d duplicate -> %q", kv.me, args.Op, args.Key, args.ClientID, args.Seq, cached)
		reply.Value = cached
		reply.Err = OK
		return nil
	}

	prev := kv.store[args.Key]
	newVal, replyVal := args.Value, ""
	if isAppend {
		newVal, replyVal = prev+args.Value, prev
	}
	kv.store[args.Key] = newVal
	kv.dup.Record(args.ClientID, args.Seq, replyVal)
	kv.version++
	version := kv.version
	kv.mu.Unlock()

	DPrintf("S%d %s key=%q client=%d seq=%d version=%d committed", kv.me, args.Op, args.Key, args.ClientID, args.Seq, version)

	kv.replicate(args.Key, newVal, version)

	reply.Value = replyVal
	reply.Err = OK
	return nil
}

// ApplyUpdate installs a value committed by another owner of the key.
// No ownership or duplicate checks: it is a raw copy of the origin's state.
func (kv *KVServer) ApplyUpdate(args *ReplicateArgs, reply *ReplicateReply) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rk := replicaKey{origin: args.Origin, key: args.Key}
	if args.Version <= kv.applied[rk] {
		// an older fan-out from the same origin overtook a newer one
		kv.metrics.staleUpdates.Add(1)
		reply.Applied = false
		return nil
	}
	kv.applied[rk] = args.Version
	kv.store[args.Key] = args.Value
	kv.metrics.updatesApplied.Add(1)

	reply.Applied = true
	return nil
}

// Dispatch lets the in-process network deliver calls by method name.
func (kv *KVServer) Dispatch(method string, args any, reply any) error {
	switch method {
	case MethodGet:
		return call(args, reply, kv.Get)
	case MethodPut:
		return call(args, reply, kv.Put)
	case MethodAppend:
		return call(args, reply, kv.Append)
	case MethodPutAppend:
		return call(args, reply, kv.PutAppend)
	case MethodApplyUpdate:
		return call(args, reply, kv.ApplyUpdate)
	default:
		return fmt.Errorf("%w: unknown method %q", ErrBadRequest, method)
	}
}

func call[A, R any](args, reply any, fn func(*A, *R) error) error {
	a, ok := args.(*A)
	if !ok {
		return fmt.Errorf("%w: args %T", ErrBadRequest, args)
	}
	r, ok := reply.(*R)
	if !ok {
		return fmt.Errorf("%w: reply %T", ErrBadRequest, reply)
	}
	return fn(a, r)
}

// the tester calls Kill() when a KVServer instance won't
// be needed again. a killed server stops answering on the
// in-process network.
func (kv *KVServer) Kill() {
	kv.dead.Store(true)
}

func (kv *KVServer) Killed() bool {
	return kv.dead.Load()
}

func (kv *KVServer) Metrics() MetricsSnapshot {
	return kv.metrics.Snapshot()
}

func (kv *KVServer) Snapshot() Snapshot {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	return Snapshot{
		Me:       kv.me,
		Data:     deepcopy.Copy(kv.store).(map[string]string),
		Clients:  kv.dup.Len(),
		Version:  kv.version,
		Sessions: kv.dup.Sessions(),
	}
}
