// Package remote is a store.Store backed by the askwall server: writes and
// reads go over the HTTP tree API, subscriptions over a WebSocket that is
// re-dialed with exponential backoff when it drops.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/sujalbistaa/askwall/internal/cleanup"
	"github.com/sujalbistaa/askwall/internal/store"
)

const adminHeader = "X-Admin-Token"

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAdminToken sends the token with every write, which lets the client
// write outside rooms.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBackOff sets the reconnect policy of subscriptions. Each subscription
// gets its own instance.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

type Client struct {
	base       *url.URL
	http       *http.Client
	dialer     *websocket.Dialer
	token      string
	log        *slog.Logger
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ store.Store = (*Client)(nil)

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: server url must be http or https, got %q", baseURL)
	}

	c := &Client{
		base:       u,
		http:       &http.Client{Timeout: 10 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:        slog.Default(),
		newBackOff: defaultBackOff,
		subs:       make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // keep trying while subscribed
	return b
}

func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	var snap store.Snapshot
	err := c.do(ctx, http.MethodGet, path, nil, &snap)
	return snap, err
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	return c.do(ctx, http.MethodPut, path, setBody{Value: value}, nil)
}

func (c *Client) CompareAndSet(ctx context.Context, path, version string, value any) error {
	return c.do(ctx, http.MethodPut, path, setBody{Value: value, IfVersion: &version}, nil)
}

func (c *Client) Update(ctx context.Context, base string, values map[string]any) error {
	return c.do(ctx, http.MethodPatch, base, updateBody{Values: values}, nil)
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, path, pushBody{Value: value}, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// StaleRooms runs the server's stale-room collector, as a dry run unless
// apply is set.
func (c *Client) StaleRooms(ctx context.Context, adminToken string, apply bool) (cleanup.Result, error) {
	method := http.MethodGet
	if apply {
		method = http.MethodDelete
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+"/api/admin/stale-rooms", nil)
	if err != nil {
		return cleanup.Result{}, err
	}
	req.Header.Set(adminHeader, adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return cleanup.Result{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var res cleanup.Result
	switch resp.StatusCode {
	case http.StatusOK, http.StatusInternalServerError:
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return cleanup.Result{}, fmt.Errorf("%w: decode cleanup result: %v", store.ErrUnavailable, err)
		}
		return res, nil
	}
	return cleanup.Result{}, statusError(resp)
}

// Subscribe keeps a WebSocket open for path until the returned function is
// called. The subscription is not bound to ctx's cancellation.
func (c *Client) Subscribe(ctx context.Context, path string, onChange func(store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		path:   p,
		sub:    store.NewSubscriber(p, onChange, onError),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.subs[s] = struct{}{}
	go c.run(subCtx, s)

	return func() { c.unsubscribe(s) }, nil
}

// Close ends every subscription and waits for their sockets to close.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

func (c *Client) unsubscribe(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
	s.stop()
}

type subscription struct {
	path   string
	sub    *store.Subscriber
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) stop() {
	s.cancel()
	s.sub.Stop()
	<-s.done
}

func (c *Client) run(ctx context.Context, s *subscription) {
	defer close(s.done)
	b := c.newBackOff()

	for {
		err := c.stream(ctx, s, b.Reset)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("subscription dropped", "path", s.path, "err", err)
		s.sub.Fail(fmt.Errorf("%w: %v", store.ErrUnavailable, err))

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// stream holds one socket until it fails or ctx ends. connected runs once the
// first snapshot has arrived.
func (c *Client) stream(ctx context.Context, s *subscription, connected func()) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"path": {s.path}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", u.Redacted(), resp.Status)
		}
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	first := true
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case "snapshot":
			var snap store.Snapshot
			if err := json.Unmarshal(f.Data, &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			s.sub.Deliver(snap)
			if first {
				first = false
				connected()
			}
		case "error":
			var p struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(f.Data, &p)
			return fmt.Errorf("server: %s", p.Message)
		}
	}
}

type setBody struct {
	Value     any     `json:"value"`
	IfVersion *string `json:"ifVersion,omitempty"`
}

type updateBody struct {
	Values map[string]any `json:"values"`
}

type pushBody struct {
	Value any `json:"value"`
}

func (c *Client) treeURL(path string) (string, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return "", err
	}
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.base.String() + "/api/tree/" + strings.Join(segs, "/"), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	target, err := c.treeURL(path)
	if err != nil {
		return err
	}

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s body: %w", method, err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(adminHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", store.ErrUnavailable, err)
	}
	return nil
}

// statusError maps an API error response to the store's errors.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	var base error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		base = store.ErrInvalidPath
	case http.StatusUnauthorized, http.StatusForbidden:
		base = store.ErrPermissionDenied
	case http.StatusPreconditionFailed:
		base = store.ErrConflict
	default:
		base = store.ErrUnavailable
	}
	return &StatusError{Code: resp.StatusCode, Msg: msg, base: base}
}

// StatusError is an unsuccessful API response. errors.Is matches it against
// the store error its status maps to.
type StatusError struct {
	Code int
	Msg  string
	base error
}

func (e *StatusError) Error() string { return fmt.Sprintf("remote: %d %s", e.Code, e.Msg) }

func (e *StatusError) Unwrap() error { return e.base }

// Throttled reports whether err is the server's per-address write throttle.
func Throttled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}
