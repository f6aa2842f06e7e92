package kvserver

import (
	"fmt"
	"net"
	"net/rpc"
)

// ServeRPC serves kv over net/rpc on l until l is closed.
func ServeRPC(l net.Listener, kv *KVServer) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("KVServer", kv); err != nil {
		return fmt.Errorf("register KVServer: %w", err)
	}
	srv.Accept(l)
	return nil
}
