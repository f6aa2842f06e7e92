package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/cluster"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/kvserver"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/transport"
)

func main() {
	id := flag.String("id", "", "node ID (n1..n3)")
	replicas := flag.Int("replicas", 1, "owners per key, primary included")
	mode := flag.String("transport", "http", "transport used to replicate to peers: http or rpc")
	peerHost := flag.String("peer-host", "127.0.0.1", "host where the other nodes listen")
	maxBody := flag.Int64("max-body", kvserver.DefaultMaxBodyBytes, "max client request body in bytes, 0 for no limit (replication is never limited)")
	flag.Parse()

	if *id == "" {
		log.Fatalf("must provide -id (n1..n3)")
	}

	// Look up our config, our shard position and the full cluster.
	node, me, all, err := cluster.ConfigForID(*id)
	if err != nil {
		log.Fatalf("ConfigForID: %v", err)
	}
	cfg := cluster.New(len(all), *replicas)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("cluster config: %v", err)
	}

	peers := make([]transport.Client, len(all))
	for i, n := range all {
		if i == me {
			continue
		}
		switch *mode {
		case "http":
			peers[i] = transport.NewHTTPClient("http://"+*peerHost+n.ClientAddr, kvserver.Routes)
		case "rpc":
			peers[i] = transport.NewNetRPCClient(*peerHost + n.RPCAddr)
		default:
			log.Fatalf("unknown -transport %q", *mode)
		}
	}

	kv := kvserver.StartKVServer(me, peers, cfg)
	defer kv.Kill()

	// Start HTTP server on node.ClientAddr
	srv := kvserver.NewHTTPServer(kv, node.ClientAddr)
	srv.SetMaxBody(*maxBody)
	go func() {
		log.Printf("serving http at %s (id=%s me=%d nservers=%d nreplicas=%d)",
			node.ClientAddr, node.ID, me, cfg.NServers, cfg.Replicas())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server exited: %v", err)
		}
	}()

	// and net/rpc on node.RPCAddr
	l, err := net.Listen("tcp", node.RPCAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", node.RPCAddr, err)
	}
	go func() {
		log.Printf("serving net/rpc at %s", node.RPCAddr)
		if err := kvserver.ServeRPC(l, kv); err != nil {
			log.Printf("rpc server exited: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	<-sigch

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = l.Close()
	log.Printf("adieu")
}
