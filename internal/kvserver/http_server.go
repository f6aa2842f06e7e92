package kvserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"
)

// ===== Models =====

type errResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status  string `json:"status"`
	Me      int    `json:"me"`
	Keys    int    `json:"keys"`
	Clients int    `json:"clients"`
	Version uint64 `json:"version"`
}

// ===== Server =====

// DefaultMaxBodyBytes caps client request bodies. /replicate is never
// capped: a follower must accept whatever its peer already committed.
const DefaultMaxBodyBytes = 64 << 20

type HTTPServer struct {
	kv      *KVServer
	addr    string         // listen address
	mux     *http.ServeMux // routes paths to handlers
	srv     *http.Server
	maxBody int64 // cap on client request bodies, <= 0 means none
}

// constructs the http server, registers routes, and prepares an http.Server with
// reasonable timeouts.
func NewHTTPServer(kv *KVServer, addr string) *HTTPServer {
	mux := http.NewServeMux()
	h := &HTTPServer{
		kv:      kv,
		addr:    addr,
		mux:     mux,
		maxBody: DefaultMaxBodyBytes,
	}

	// each path maps to a handler method
	// handlers are responsible for method checking
	mux.HandleFunc(Routes[MethodGet], h.handleGet)
	mux.HandleFunc(Routes[MethodPut], h.handlePut)
	mux.HandleFunc(Routes[MethodAppend], h.handleAppend)
	mux.HandleFunc(Routes[MethodPutAppend], h.handlePutAppend)
	mux.HandleFunc(Routes[MethodApplyUpdate], h.handleReplicate)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/dump", h.handleDump)

	h.srv = &http.Server{
		Addr:              addr,
		Handler:           h.withLogging(mux),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return h
}

// Handler exposes the routed handler, mostly for httptest.
func (h *HTTPServer) Handler() http.Handler {
	return h.srv.Handler
}

// SetMaxBody changes the cap on client request bodies. n <= 0 removes it.
// Must be called before serving.
func (h *HTTPServer) SetMaxBody(n int64) {
	h.maxBody = n
}

// starts listening and serving http requests on h.addr
func (h *HTTPServer) Start() error {
	return h.srv.ListenAndServe()
}

// stops accepting new conns and waits for ongoing requests to complete.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (h *HTTPServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(sr, r)

		// replication and client traffic are too chatty for the default log
		DPrintf("me=%d method=%s path=%s status=%d bytes=%d dur=%s remote=%s",
			h.kv.Me(), r.Method, r.URL.Path, sr.status, sr.bytes, time.Since(start), r.RemoteAddr)
		if sr.status >= http.StatusBadRequest {
			log.Printf("me=%d method=%s path=%s status=%d remote=%s",
				h.kv.Me(), r.Method, r.URL.Path, sr.status, r.RemoteAddr)
		}
	})
}

// ==== Handlers =====

// POST /get
// Body: {"key": "K", "client": N, "seq": N}
func (h *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var args GetArgs
	if err := decodeJSON(w, r, &args, h.maxBody); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var reply GetReply
	if err := h.kv.Get(&args, &reply); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// POST /put
// Body: {"key": "K", "value": "V", "client": N, "seq": N}
func (h *HTTPServer) handlePut(w http.ResponseWriter, r *http.Request) {
	h.servePutAppend(w, r, OpPut)
}

// POST /append
// Body: {"key": "K", "value": "V", "client": N, "seq": N}
func (h *HTTPServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	h.servePutAppend(w, r, OpAppend)
}

// POST /putappend
// Body: {"key": "K", "value": "V", "op": "Put"|"Append", "client": N, "seq": N}
func (h *HTTPServer) handlePutAppend(w http.ResponseWriter, r *http.Request) {
	h.servePutAppend(w, r, "")
}

// op == "" takes the op from the body.
func (h *HTTPServer) servePutAppend(w http.ResponseWriter, r *http.Request, op string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var args PutAppendArgs
	if err := decodeJSON(w, r, &args, h.maxBody); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// seq numbers start at 1, zero means the field was left out
	if args.Seq <= 0 {
		writeError(w, http.StatusBadRequest, "missing seq")
		return
	}
	if op != "" {
		if args.Op != "" && args.Op != op {
			writeError(w, http.StatusBadRequest, "op does not match path")
			return
		}
		args.Op = op
	}

	var reply PutAppendReply
	if err := h.kv.PutAppend(&args, &reply); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownOp) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// POST /replicate
// Body: {"key": "K", "value": "V", "origin": N, "version": N}
func (h *HTTPServer) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var args ReplicateArgs
	if err := decodeJSON(w, r, &args, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var reply ReplicateReply
	if err := h.kv.ApplyUpdate(&args, &reply); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap := h.kv.Snapshot()
	writeJSON(w, http.StatusOK, healthResp{
		Status:  "ok",
		Me:      snap.Me,
		Keys:    len(snap.Data),
		Clients: snap.Clients,
		Version: snap.Version,
	})
}

// GET /metrics
func (h *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.kv.Metrics())
}

// GET /dump
// returns every key this server holds, owned or replicated
func (h *HTTPServer) handleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.kv.Snapshot())
}

// Helpers

// maxBytes <= 0 reads the whole body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra JSON content")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
