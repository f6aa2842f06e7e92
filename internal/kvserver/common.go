package kvserver

import "errors"

// common.go holds the wire types shared by the clerk, the servers
// and every transport.

const (
	OK = "OK"
	// ErrWrongShard is diagnostic only. The reply value is still "",
	// and clerks accept it like any other reply.
	ErrWrongShard = "ErrWrongShard"
)

type Err string

const (
	OpPut    = "Put"
	OpAppend = "Append"
)

// RPC method names, as registered with net/rpc.
const (
	MethodGet         = "KVServer.Get"
	MethodPut         = "KVServer.Put"
	MethodAppend      = "KVServer.Append"
	MethodPutAppend   = "KVServer.PutAppend"
	MethodApplyUpdate = "KVServer.ApplyUpdate"
)

// Routes maps RPC method names to the HTTP paths served by HTTPServer.
var Routes = map[string]string{
	MethodGet:         "/get",
	MethodPut:         "/put",
	MethodAppend:      "/append",
	MethodPutAppend:   "/putappend",
	MethodApplyUpdate: "/replicate",
}

var (
	ErrUnknownOp  = errors.New("kvserver: unknown op")
	ErrBadRequest = errors.New("kvserver: bad request")
)

// Field names must start with capital letters,
// otherwise RPC will break.

// Put or Append
type PutAppendArgs struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Op       string `json:"op"` // "Put" or "Append"
	ClientID int64  `json:"client"`
	Seq      int64  `json:"seq"`
}

// Value is "" for Put and the previous value for Append.
type PutAppendReply struct {
	Value string `json:"value"`
	Err   Err    `json:"err,omitempty"`
}

type GetArgs struct {
	Key      string `json:"key"`
	ClientID int64  `json:"client"`
	Seq      int64  `json:"seq"`
}

type GetReply struct {
	Value string `json:"value"`
	Err   Err    `json:"err,omitempty"`
}

// ReplicateArgs carries a committed value from the server that accepted
// the write (Origin) to one of the key's other owners. Version orders
// the updates coming from one origin.
type ReplicateArgs struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Origin  int    `json:"origin"`
	Version uint64 `json:"version"`
}

type ReplicateReply struct {
	Applied bool `json:"applied"`
}
