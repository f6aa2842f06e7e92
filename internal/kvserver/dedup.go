package kvserver

import "sort"

// dedup.go keeps, for every client we have ever heard from, the highest
// sequence number we executed and the reply we sent for it. A Put or
// Append at or below that sequence number is a retransmission and gets
// the cached reply back instead of running again.
//
// Gets are tracked in a separate column. They never overwrite the cached
// mutation reply, so a retransmitted Append still gets its own answer
// after the client has issued a Get.
//
// The table has no lock of its own. KVServer only touches it while
// holding kv.mu, in the same critical section as the store mutation.
// Entries are never evicted.

type dupEntry struct {
	seq     int64
	reply   string
	readSeq int64 // newest Get seen
}

type DedupTable struct {
	entries map[int64]dupEntry // key = client id
}

func NewDedupTable() *DedupTable {
	return &DedupTable{entries: make(map[int64]dupEntry)}
}

func (d *DedupTable) entry(clientID int64) dupEntry {
	e, ok := d.entries[clientID]
	if !ok {
		return dupEntry{seq: -1, readSeq: -1}
	}
	return e
}

// Lookup returns the last mutation sequence number executed for
// clientID and its cached reply. Unknown clients report -1.
func (d *DedupTable) Lookup(clientID int64) (int64, string) {
	e := d.entry(clientID)
	return e.seq, e.reply
}

// IsDuplicate reports whether seq was already executed for clientID,
// and if so the reply to send back.
func (d *DedupTable) IsDuplicate(clientID, seq int64) (string, bool) {
	last, reply := d.Lookup(clientID)
	if seq <= last {
		return reply, true
	}
	return "", false
}

// Record remembers reply as the answer to (clientID, seq). The stored
// sequence number never goes backwards; Record returns false and keeps
// the old entry if seq is not newer.
func (d *DedupTable) Record(clientID, seq int64, reply string) bool {
	e := d.entry(clientID)
	if seq <= e.seq {
		return false
	}
	e.seq, e.reply = seq, reply
	d.entries[clientID] = e
	return true
}

// RecordRead notes a Get from clientID.
func (d *DedupTable) RecordRead(clientID, seq int64) {
	e := d.entry(clientID)
	if seq > e.readSeq {
		e.readSeq = seq
	}
	d.entries[clientID] = e
}

// Session is what the table remembers about one client.
type Session struct {
	Client   int64 `json:"client"`
	Seq      int64 `json:"seq"`       // last executed Put/Append, -1 if none
	LastRead int64 `json:"last_read"` // last Get, -1 if none
}

// Sessions lists every known client, ordered by id.
func (d *DedupTable) Sessions() []Session {
	out := make([]Session, 0, len(d.entries))
	for id, e := range d.entries {
		out = append(out, Session{Client: id, Seq: e.seq, LastRead: e.readSeq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// Len is the number of distinct clients remembered.
func (d *DedupTable) Len() int {
	return len(d.entries)
}
