package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
)

// NetRPCClient speaks net/rpc over TCP. The connection is dialled on the
// first call and dropped again whenever it breaks, so peers that start
// later than us are picked up on the next attempt.
type NetRPCClient struct {
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

func NewNetRPCClient(addr string) *NetRPCClient {
	return &NetRPCClient{addr: addr}
}

func (c *NetRPCClient) conn(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	c.client = rpc.NewClient(nc)
	return c.client, nil
}

// reset forgets cl if it is still the cached connection.
func (c *NetRPCClient) reset(cl *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == cl {
		_ = c.client.Close()
		c.client = nil
	}
}

func (c *NetRPCClient) Call(ctx context.Context, method string, args any, reply any) error {
	cl, err := c.conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTimeout, c.addr, err)
	}

	call := cl.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s %s: %v", ErrTimeout, c.addr, method, ctx.Err())
	}

	if call.Error == nil {
		return nil
	}
	var se rpc.ServerError
	if errors.As(call.Error, &se) {
		return fmt.Errorf("%w: %s %s: %v", ErrRemote, c.addr, method, se)
	}
	// anything else means the connection is gone
	c.reset(cl)
	return fmt.Errorf("%w: %s %s: %v", ErrTimeout, c.addr, method, call.Error)
}

func (c *NetRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
