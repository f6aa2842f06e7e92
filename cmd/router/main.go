package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/clerk"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/cluster"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/kvserver"
	"github.com/tamu-distsys-cloud/key-value-store-kathanvyas/internal/transport"
)

// router/main.go is the front-end for our cluster so 3rd parties
// can use the kv store with plain JSON and no client library.
// we handle /put, /append, /get, /metrics.
// every request borrows a clerk from a pool: clerks do the shard
// routing, retries and duplicate suppression, but each one can only
// serve a single caller at a time.

type router struct {
	nodes       []cluster.NodeConfig // list of backend nodes in the cluster
	backendHost string               // the host where we can actually reach the nodes
	clerks      chan *clerk.Clerk
}

type nodeMetrics struct {
	ID      string                   `json:"id"`
	Addr    string                   `json:"addr"`
	Metrics kvserver.MetricsSnapshot `json:"metrics"`
	Error   string                   `json:"error,omitempty"`
}

type writeReq struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func main() {
	// the addr is where the router listens for client traffic
	addr := flag.String("addr", ":8080", "router listen address")
	backendHost := flag.String("backend-host", "127.0.0.1", "host for backend nodes")
	replicas := flag.Int("replicas", 1, "owners per key, must match the servers")
	nclerks := flag.Int("clerks", 8, "clerks in the pool, i.e. max concurrent requests")
	timeout := flag.Duration("call-timeout", clerk.DefaultCallTimeout, "per-attempt timeout against one server")
	flag.Parse()

	nodes := cluster.ClusterConfig()
	cfg := cluster.New(len(nodes), *replicas)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("cluster config: %v", err)
	}

	r := &router{
		nodes:       nodes,
		backendHost: *backendHost,
		clerks:      make(chan *clerk.Clerk, *nclerks),
	}
	for i := 0; i < *nclerks; i++ {
		ends := make([]transport.Client, len(nodes))
		for j, n := range nodes {
			ends[j] = transport.NewHTTPClient(r.nodeURL(n), kvserver.Routes)
		}
		ck := clerk.MakeClerk(ends, cfg)
		ck.CallTimeout = *timeout
		r.clerks <- ck
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/put", r.handlePut)
	mux.HandleFunc("/append", r.handleAppend)
	mux.HandleFunc("/get", r.handleGet)
	mux.HandleFunc("/metrics", r.handleMetrics)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		// no write timeout: a clerk call blocks until some owner answers
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("router listening at %s, managing %d nodes, nreplicas=%d", *addr, len(nodes), cfg.Replicas())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("router server error: %v", err)
	}
}

// ===== helpers =====

func (r *router) nodeURL(n cluster.NodeConfig) string {
	return fmt.Sprintf("http://%s%s", r.backendHost, n.ClientAddr)
}

// borrow waits for a free clerk, or for the request to go away.
func (r *router) borrow(req *http.Request) (*clerk.Clerk, error) {
	select {
	case ck := <-r.clerks:
		return ck, nil
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

func (r *router) release(ck *clerk.Clerk) {
	r.clerks <- ck
}

func proxyError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
	})
}

// a server that answered with an error is a bad gateway,
// anything else means we gave up waiting for one
func failureStatus(err error) int {
	if errors.Is(err, transport.ErrRemote) {
		return http.StatusBadGateway
	}
	return http.StatusGatewayTimeout
}

func writeValue(w http.ResponseWriter, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"value": value})
}

func decodeWrite(w http.ResponseWriter, req *http.Request) (writeReq, bool) {
	var body writeReq
	if req.Method != http.MethodPost {
		proxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return body, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, kvserver.DefaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		proxyError(w, http.StatusBadRequest, "invalid JSON")
		return body, false
	}
	return body, true
}

// ===== handlers =====

// POST /put
// Body: {"key": "K", "value": "V"}
func (r *router) handlePut(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeWrite(w, req)
	if !ok {
		return
	}
	ck, err := r.borrow(req)
	if err != nil {
		proxyError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer r.release(ck)

	log.Printf("ROUTER: PUT key=%q clerk=%d", body.Key, ck.ClientID())
	if err := ck.PutContext(req.Context(), body.Key, body.Value); err != nil {
		proxyError(w, failureStatus(err), err.Error())
		return
	}
	writeValue(w, "")
}

// POST /append
// Body: {"key": "K", "value": "V"}, replies with the previous value
func (r *router) handleAppend(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeWrite(w, req)
	if !ok {
		return
	}
	ck, err := r.borrow(req)
	if err != nil {
		proxyError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer r.release(ck)

	log.Printf("ROUTER: APPEND key=%q clerk=%d", body.Key, ck.ClientID())
	prev, err := ck.AppendContext(req.Context(), body.Key, body.Value)
	if err != nil {
		proxyError(w, failureStatus(err), err.Error())
		return
	}
	writeValue(w, prev)
}

// GET /get?key=K
func (r *router) handleGet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		proxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := req.URL.Query().Get("key")

	ck, err := r.borrow(req)
	if err != nil {
		proxyError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer r.release(ck)

	log.Printf("ROUTER: GET key=%q clerk=%d", key, ck.ClientID())
	val, err := ck.GetContext(req.Context(), key)
	if err != nil {
		proxyError(w, failureStatus(err), err.Error())
		return
	}
	writeValue(w, val)
}

// we get metrics for each of the nodes and create a cluster wide metrics report
func (r *router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		proxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// small timeout so a dead node doesn't block everything
	client := &http.Client{
		Timeout: 500 * time.Millisecond,
	}

	out := make([]nodeMetrics, 0, len(r.nodes))
	for _, n := range r.nodes {
		nm := nodeMetrics{ID: n.ID, Addr: n.ClientAddr}
		if err := fetchMetrics(client, r.nodeURL(n)+"/metrics", &nm.Metrics); err != nil {
			log.Printf("router: metrics fetch failed for node=%s addr=%s: %v", n.ID, n.ClientAddr, err)
			nm.Error = err.Error()
		}
		out = append(out, nm)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func fetchMetrics(client *http.Client, url string, dst *kvserver.MetricsSnapshot) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
