package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient sends calls as JSON POSTs to a node's HTTP server.
// routes maps a method name ("KVServer.Get") to a path ("/get").
type HTTPClient struct {
	base   string
	routes map[string]string
	hc     *http.Client
}

type httpError struct {
	Error string `json:"error"`
}

// NewHTTPClient talks to the node at base, e.g. "http://127.0.0.1:8090".
func NewHTTPClient(base string, routes map[string]string) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		routes: routes,
		hc: &http.Client{
			// per-call deadlines come from the context, this is only a backstop
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPClient) Call(ctx context.Context, method string, args any, reply any) error {
	path, ok := c.routes[method]
	if !ok {
		return fmt.Errorf("%w: no route for %s", ErrRemote, method)
	}

	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		// connection refused, reset, deadline: the reply never came back
		return fmt.Errorf("%w: %s%s: %v", ErrTimeout, c.base, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var he httpError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&he)
		return fmt.Errorf("%w: %s%s: status=%d %s", ErrRemote, c.base, path, resp.StatusCode, he.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		// a truncated body is as good as no reply
		return fmt.Errorf("%w: %s%s: decode reply: %v", ErrTimeout, c.base, path, err)
	}
	return nil
}
