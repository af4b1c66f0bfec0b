// Package browserctl is a thin adapter over a remote browser control
// endpoint (C2): one headful browser instance per tuner, addressed by a TCP
// endpoint, driven via a small JSON-over-HTTP RPC dialect.
package browserctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/gwerrors"
	"github.com/snapetech/tunergw/internal/httpclient"
)

// WaitMode controls how navigate() decides the page has settled.
type WaitMode string

const (
	WaitDOMReady    WaitMode = "dom_ready"
	WaitNetworkIdle WaitMode = "network_idle"
)

// HealthProbeTimeout bounds health_probe per §5.
const HealthProbeTimeout = 2 * time.Second

// rpcRequest/rpcResponse are the wire shape for every call: POST {method,params,id},
// receive {result|error,id}.
type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client is one connection to one browser instance's control endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        zerolog.Logger
	connected  atomic.Bool
}

// New returns a Client not yet connected to endpoint.
func New(log zerolog.Logger) *Client {
	return &Client{
		httpClient: httpclient.Default(),
		log:        log,
	}
}

// Connect records the control endpoint and verifies reachability via a
// single health probe.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	c.endpoint = endpoint
	if err := c.HealthProbe(ctx); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("browserctl: connect %s: %w", endpoint, err)
	}
	c.connected.Store(true)
	return nil
}

// Connected reports whether the last health_probe (or call) succeeded.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if !c.connected.Load() && method != "health_probe" {
		return fmt.Errorf("browserctl: %w", gwerrors.ErrControlDisconnected)
	}
	reqBody := rpcRequest{ID: uuid.NewString(), Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpclient.DoWithRetry(ctx, c.httpClient, httpReq, httpclient.DefaultRetryPolicy)
	if err != nil {
		c.connected.Store(false)
		return fmt.Errorf("browserctl: %s: %w", method, gwerrors.ErrControlDisconnected)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("browserctl: %s: bad response: %w", method, err)
	}
	if rpcResp.Error != "" {
		return fmt.Errorf("browserctl: %s: %s", method, rpcResp.Error)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("browserctl: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// HealthProbe returns ok iff a trivial scripted expression returns within
// HealthProbeTimeout.
func (c *Client) HealthProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()
	var ok bool
	err := c.call(ctx, "health_probe", nil, &ok)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("browserctl: health_probe: %w", gwerrors.ErrControlDisconnected)
	}
	c.connected.Store(true)
	return nil
}

// CurrentURL returns the page the browser is displaying.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := c.call(ctx, "current_url", nil, &url)
	return url, err
}

type navigateParams struct {
	URL      string   `json:"url"`
	WaitMode WaitMode `json:"wait_mode"`
}

// Navigate loads url and waits per waitMode, bounded by timeout.
func (c *Client) Navigate(ctx context.Context, url string, waitMode WaitMode, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.call(ctx, "navigate", navigateParams{URL: url, WaitMode: waitMode}, nil)
}

type evaluateParams struct {
	Script string `json:"script"`
	Args   []any  `json:"args,omitempty"`
}

// Evaluate runs script in the page context and decodes the JSON result.
func (c *Client) Evaluate(ctx context.Context, script string, args []any, out any) error {
	return c.call(ctx, "evaluate", evaluateParams{Script: script, Args: args}, out)
}

// PressKey sends a single key event.
func (c *Client) PressKey(ctx context.Context, key string) error {
	return c.call(ctx, "press_key", map[string]string{"key": key}, nil)
}

type clickParams struct {
	Selector       string `json:"selector,omitempty"`
	ScriptPredicate string `json:"script_predicate,omitempty"`
}

// QueryAndClick clicks the element matched by selector (a CSS selector) or,
// if selector is empty, by evaluating scriptPredicate and clicking the
// element it returns.
func (c *Client) QueryAndClick(ctx context.Context, selector, scriptPredicate string) error {
	return c.call(ctx, "query_and_click", clickParams{Selector: selector, ScriptPredicate: scriptPredicate}, nil)
}

// DocumentHTML fetches the live page's serialized DOM, for feeding into the
// FindMatch/FindPlayControl algorithms in match.go.
func (c *Client) DocumentHTML(ctx context.Context) (string, error) {
	var html string
	err := c.Evaluate(ctx, "document.documentElement.outerHTML", nil, &html)
	return html, err
}
