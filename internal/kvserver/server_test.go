package kvserver_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/cluster"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/kvserver"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/kvtest"
)

func get(t *testing.T, kv *kvserver.KVServer, key string, client, seq int64) kvserver.GetReply {
	t.Helper()
	var reply kvserver.GetReply
	if err := kv.Get(&kvserver.GetArgs{Key: key, ClientID: client, Seq: seq}, &reply); err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return reply
}

func putAppend(t *testing.T, kv *kvserver.KVServer, args kvserver.PutAppendArgs) kvserver.PutAppendReply {
	t.Helper()
	var reply kvserver.PutAppendReply
	if err := kv.PutAppend(&args, &reply); err != nil {
		t.Fatalf("%s(%q): %v", args.Op, args.Key, err)
	}
	return reply
}

func TestPutAppendGetAndRetransmit(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 3, 1, false)
	// "5" lives on server 5 mod 3 = 2
	kv := cfg.Servers[2]

	const client = 1001
	if r := putAppend(t, kv, kvserver.PutAppendArgs{Key: "5", Value: "a", Op: kvserver.OpPut, ClientID: client, Seq: 1}); r.Value != "" {
		t.Fatalf("Put reply = %q, want empty", r.Value)
	}

	appendB := kvserver.PutAppendArgs{Key: "5", Value: "b", Op: kvserver.OpAppend, ClientID: client, Seq: 2}
	if r := putAppend(t, kv, appendB); r.Value != "a" {
		t.Fatalf("Append reply = %q, want a", r.Value)
	}
	if r := get(t, kv, "5", client, 3); r.Value != "ab" {
		t.Fatalf("Get = %q, want ab", r.Value)
	}

	// the retransmitted append must not run again and gets its
	// original answer, even though a get came in between
	if r := putAppend(t, kv, appendB); r.Value != "a" {
		t.Fatalf("retransmitted Append reply = %q, want a", r.Value)
	}
	if r := get(t, kv, "5", client, 4); r.Value != "ab" {
		t.Fatalf("Get after retransmit = %q, want ab", r.Value)
	}
}

func TestRetransmitReturnsCachedReply(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 3, 1, false)
	kv := cfg.Servers[2]

	const client = 7
	putAppend(t, kv, kvserver.PutAppendArgs{Key: "5", Value: "a", Op: kvserver.OpPut, ClientID: client, Seq: 1})
	appendB := kvserver.PutAppendArgs{Key: "5", Value: "b", Op: kvserver.OpAppend, ClientID: client, Seq: 2}
	putAppend(t, kv, appendB)

	for i := 0; i < 5; i++ {
		if r := putAppend(t, kv, appendB); r.Value != "a" {
			t.Fatalf("retransmit %d reply = %q, want a", i, r.Value)
		}
	}
	if v, _ := cfg.Value(2, "5"); v != "ab" {
		t.Fatalf("store = %q, want ab", v)
	}
	if m := kv.Metrics(); m.DedupHits != 5 {
		t.Fatalf("DedupHits = %d, want 5", m.DedupHits)
	}
}

func TestAppendAccumulates(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 1, 1, false)
	kv := cfg.Servers[0]

	parts := []string{"x", "yy", "", "zzz", "w"}
	want := ""
	for i, p := range parts {
		r := putAppend(t, kv, kvserver.PutAppendArgs{Key: "k", Value: p, Op: kvserver.OpAppend, ClientID: 3, Seq: int64(i + 1)})
		if r.Value != want {
			t.Fatalf("append %d reply = %q, want %q", i, r.Value, want)
		}
		want += p
	}
	if r := get(t, kv, "k", 3, int64(len(parts)+1)); r.Value != want {
		t.Fatalf("Get = %q, want %q", r.Value, want)
	}
}

func TestOwnershipWindow(t *testing.T) {
	// "7" has primary 7 mod 4 = 3, with two replicas servers 3 and 0 own it
	cfg := kvtest.MakeConfig(t, 4, 2, false)

	tests := []struct {
		server int
		owns   bool
	}{
		{3, true},
		{0, true},
		{1, false},
		{2, false},
	}
	for i, tc := range tests {
		r := putAppend(t, cfg.Servers[tc.server], kvserver.PutAppendArgs{
			Key: "7", Value: "x", Op: kvserver.OpPut, ClientID: int64(100 + i), Seq: 1,
		})
		if r.Value != "" {
			t.Fatalf("server %d Put reply = %q, want empty", tc.server, r.Value)
		}
		wantErr := kvserver.Err(kvserver.OK)
		if !tc.owns {
			wantErr = kvserver.ErrWrongShard
		}
		if r.Err != wantErr {
			t.Fatalf("server %d Put err = %q, want %q", tc.server, r.Err, wantErr)
		}
		if _, ok := cfg.Value(tc.server, "7"); ok != tc.owns {
			t.Fatalf("server %d holds key 7 = %v, want %v", tc.server, ok, tc.owns)
		}
	}

	// rejected gets look exactly like missing keys
	r := get(t, cfg.Servers[1], "7", 200, 1)
	if r.Value != "" || r.Err != kvserver.ErrWrongShard {
		t.Fatalf("wrong shard Get = %+v", r)
	}
	if m := cfg.Servers[1].Metrics(); m.WrongShard != 2 {
		t.Fatalf("server 1 WrongShard = %d, want 2", m.WrongShard)
	}
}

func TestReplicationConverges(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 5, 3, false)

	for i := 0; i < 10; i++ {
		key := fmt.Sprint(i)
		primary := i % 5
		putAppend(t, cfg.Servers[primary], kvserver.PutAppendArgs{
			Key: key, Value: "v" + key, Op: kvserver.OpPut, ClientID: 1, Seq: int64(i + 1),
		})
		for off := 0; off < 3; off++ {
			owner := (primary + off) % 5
			if r := get(t, cfg.Servers[owner], key, 2, int64(i*3+off+1)); r.Value != "v"+key {
				t.Fatalf("key %s on owner %d = %q, want v%s", key, owner, r.Value, key)
			}
		}
		// non-owners never see the value
		for off := 3; off < 5; off++ {
			other := (primary + off) % 5
			if _, ok := cfg.Value(other, key); ok {
				t.Fatalf("key %s leaked to non-owner %d", key, other)
			}
		}
	}
}

func TestReplicationFromFollowerSkipsSelf(t *testing.T) {
	// N=4 R=3, key "1": owners 1, 2, 3. a write accepted by 2 is pushed
	// to the followers 2 and 3, minus itself, so only 3 receives it.
	cfg := kvtest.MakeConfig(t, 4, 3, false)

	putAppend(t, cfg.Servers[2], kvserver.PutAppendArgs{Key: "1", Value: "f", Op: kvserver.OpPut, ClientID: 9, Seq: 1})

	if v, _ := cfg.Value(3, "1"); v != "f" {
		t.Fatalf("server 3 = %q, want f", v)
	}
	if _, ok := cfg.Value(1, "1"); ok {
		t.Fatal("primary received a follower's write")
	}
	if m := cfg.Servers[2].Metrics(); m.Replicated != 1 {
		t.Fatalf("Replicated = %d, want 1", m.Replicated)
	}
}

func TestReplicationIsBestEffort(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 3, 2, false)
	// "0": owners 0 and 1
	cfg.Disconnect(1)

	r := putAppend(t, cfg.Servers[0], kvserver.PutAppendArgs{Key: "0", Value: "v", Op: kvserver.OpPut, ClientID: 5, Seq: 1})
	if r.Err != kvserver.OK {
		t.Fatalf("Put err = %q", r.Err)
	}
	if _, ok := cfg.Value(1, "0"); ok {
		t.Fatal("disconnected follower received the write")
	}
	if m := cfg.Servers[0].Metrics(); m.ReplicateFailed != 1 {
		t.Fatalf("ReplicateFailed = %d, want 1", m.ReplicateFailed)
	}

	// nothing reconciles the follower afterwards
	cfg.Connect(1)
	if _, ok := cfg.Value(1, "0"); ok {
		t.Fatal("follower caught up without a new write")
	}
}

func TestApplyUpdateKeepsOriginOrder(t *testing.T) {
	kv := kvserver.StartKVServer(0, nil, cluster.New(2, 2))

	apply := func(origin int, version uint64, value string) bool {
		var reply kvserver.ReplicateReply
		if err := kv.ApplyUpdate(&kvserver.ReplicateArgs{Key: "k", Value: value, Origin: origin, Version: version}, &reply); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
		return reply.Applied
	}

	if !apply(1, 2, "new") {
		t.Fatal("version 2 not applied")
	}
	if apply(1, 1, "old") {
		t.Fatal("older version from the same origin applied")
	}
	if got := kv.Snapshot().Data["k"]; got != "new" {
		t.Fatalf("value = %q, want new", got)
	}

	// another origin has its own version sequence
	if !apply(3, 1, "other") {
		t.Fatal("version 1 from a different origin not applied")
	}
	if m := kv.Metrics(); m.StaleUpdates != 1 || m.UpdatesApplied != 2 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestConcurrentAppendsReachFollowerInOrder(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 3, 2, false)
	// "3": primary 0, follower 1
	primary := cfg.Servers[0]

	const clients = 8
	const each = 20
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				var reply kvserver.PutAppendReply
				args := kvserver.PutAppendArgs{Key: "3", Value: "x", Op: kvserver.OpAppend, ClientID: int64(c + 1), Seq: int64(i + 1)}
				if err := primary.Append(&args, &reply); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	want := strings.Repeat("x", clients*each)
	if v, _ := cfg.Value(0, "3"); v != want {
		t.Fatalf("primary holds %d bytes, want %d", len(v), len(want))
	}
	if v, _ := cfg.Value(1, "3"); v != want {
		t.Fatalf("follower holds %d bytes, want %d", len(v), len(want))
	}
}

func TestLateRetransmitAfterNewerWrites(t *testing.T) {
	cfg := kvtest.MakeConfig(t, 1, 1, false)
	kv := cfg.Servers[0]

	putAppend(t, kv, kvserver.PutAppendArgs{Key: "a", Value: "1", Op: kvserver.OpPut, ClientID: 4, Seq: 5})
	get(t, kv, "a", 4, 6)
	putAppend(t, kv, kvserver.PutAppendArgs{Key: "a", Value: "2", Op: kvserver.OpAppend, ClientID: 4, Seq: 7})

	// an old append that shows up late is swallowed and answered
	// with the newest cached reply
	r := putAppend(t, kv, kvserver.PutAppendArgs{Key: "a", Value: "9", Op: kvserver.OpAppend, ClientID: 4, Seq: 3})
	if r.Value != "1" {
		t.Fatalf("late retransmit reply = %q, want 1", r.Value)
	}
	if v, _ := cfg.Value(0, "a"); v != "12" {
		t.Fatalf("value = %q, want 12", v)
	}
}

func TestPutAppendUnknownOp(t *testing.T) {
	kv := kvserver.StartKVServer(0, nil, cluster.New(1, 1))

	var reply kvserver.PutAppendReply
	err := kv.PutAppend(&kvserver.PutAppendArgs{Key: "a", Op: "Delete", ClientID: 1, Seq: 1}, &reply)
	if !errors.Is(err, kvserver.ErrUnknownOp) {
		t.Fatalf("PutAppend(Delete) = %v, want ErrUnknownOp", err)
	}
}

func TestDispatch(t *testing.T) {
	kv := kvserver.StartKVServer(0, nil, cluster.New(1, 1))

	var pr kvserver.PutAppendReply
	if err := kv.Dispatch(kvserver.MethodPut, &kvserver.PutAppendArgs{Key: "a", Value: "1", ClientID: 1, Seq: 1}, &pr); err != nil {
		t.Fatalf("Dispatch(Put): %v", err)
	}
	var gr kvserver.GetReply
	if err := kv.Dispatch(kvserver.MethodGet, &kvserver.GetArgs{Key: "a", ClientID: 1, Seq: 2}, &gr); err != nil {
		t.Fatalf("Dispatch(Get): %v", err)
	}
	if gr.Value != "1" {
		t.Fatalf("Get = %q, want 1", gr.Value)
	}

	if err := kv.Dispatch(kvserver.MethodGet, &kvserver.PutAppendArgs{}, &gr); !errors.Is(err, kvserver.ErrBadRequest) {
		t.Fatalf("Dispatch with wrong args = %v, want ErrBadRequest", err)
	}
	if err := kv.Dispatch("KVServer.Delete", &kvserver.GetArgs{}, &gr); !errors.Is(err, kvserver.ErrBadRequest) {
		t.Fatalf("Dispatch unknown method = %v, want ErrBadRequest", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	kv := kvserver.StartKVServer(0, nil, cluster.New(1, 1))
	putAppend(t, kv, kvserver.PutAppendArgs{Key: "a", Value: "1", Op: kvserver.OpPut, ClientID: 1, Seq: 1})

	snap := kv.Snapshot()
	snap.Data["a"] = "changed"

	if got := kv.Snapshot().Data["a"]; got != "1" {
		t.Fatalf("store = %q after editing the snapshot", got)
	}
	if snap.Clients != 1 || snap.Version != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
