package transport

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
)

// local.go is an in-process network, modelled on the lab RPC harness.
// ends are named, each end is wired to one named server, and ends can be
// switched off to simulate partitions. In unreliable mode a call may lose
// its request (handler never runs) or its reply (handler ran, caller
// never hears back). args and replies are deep copied on the way in and
// out so the caller and the handler never share memory.

const (
	dropPermille    = 100 // 10% of requests and 10% of replies in unreliable mode
	defaultLostWait = 10 * time.Millisecond
)

type endState struct {
	server  string
	enabled bool
}

type Network struct {
	mu       sync.Mutex
	reliable bool
	lostWait time.Duration // how long a lost call takes to report failure
	ends     map[string]*endState
	servers  map[string]Service
	count    atomic.Int64
}

// ClientEnd is one caller's handle to one server.
type ClientEnd struct {
	name string
	net  *Network
}

// killable is implemented by services that can be shut down by the harness.
type killable interface {
	Killed() bool
}

func MakeNetwork() *Network {
	return &Network{
		reliable: true,
		lostWait: defaultLostWait,
		ends:     make(map[string]*endState),
		servers:  make(map[string]Service),
	}
}

func (n *Network) Reliable(yes bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reliable = yes
}

// LostWait sets how long a lost call blocks before reporting ErrTimeout.
func (n *Network) LostWait(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lostWait = d
}

func (n *Network) AddServer(name string, svc Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[name] = svc
}

func (n *Network) DeleteServer(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, name)
}

// MakeEnd creates a disconnected, disabled end.
func (n *Network) MakeEnd(name string) *ClientEnd {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.ends[name]; ok {
		panic(fmt.Sprintf("transport: MakeEnd %q: end already exists", name))
	}
	n.ends[name] = &endState{}
	return &ClientEnd{name: name, net: n}
}

// Connect wires an end to a server.
func (n *Network) Connect(end, server string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.ends[end]; ok {
		st.server = server
	}
}

func (n *Network) Enable(end string, enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.ends[end]; ok {
		st.enabled = enabled
	}
}

// GetCount is the total number of calls attempted on the network.
func (n *Network) GetCount() int {
	return int(n.count.Load())
}

func (n *Network) route(end string) (Service, bool, time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.ends[end]
	if !ok || !st.enabled {
		return nil, n.reliable, n.lostWait
	}
	return n.servers[st.server], n.reliable, n.lostWait
}

func drop() bool {
	return rand.Intn(1000) < dropPermille
}

func dead(svc Service) bool {
	k, ok := svc.(killable)
	return ok && k.Killed()
}

func (e *ClientEnd) Call(ctx context.Context, method string, args any, reply any) error {
	n := e.net
	n.count.Add(1)

	svc, reliable, wait := n.route(e.name)
	if svc == nil || dead(svc) || (!reliable && drop()) {
		return e.lost(ctx, method, wait, "request lost")
	}

	in := deepcopy.Copy(args)
	out := deepcopy.Copy(reply)

	done := make(chan error, 1)
	go func() {
		done <- svc.Dispatch(method, in, out)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrRemote, e.name, method, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %s %s: %v", ErrTimeout, e.name, method, ctx.Err())
	}

	// the handler ran, but the caller may still never hear about it
	if dead(svc) || (!reliable && drop()) {
		return e.lost(ctx, method, wait, "reply lost")
	}

	reflect.ValueOf(reply).Elem().Set(reflect.ValueOf(out).Elem())
	return nil
}

func (e *ClientEnd) lost(ctx context.Context, method string, wait time.Duration, why string) error {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return fmt.Errorf("%w: %s %s: %s", ErrTimeout, e.name, method, why)
}
