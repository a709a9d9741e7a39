package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sujalbistaa/askwall/internal/store"
)

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	store    store.Store
	log      *slog.Logger

	pingEvery time.Duration
}

func NewServer(hub *Hub, st store.Store, log *slog.Logger, pingEvery time.Duration) *Server {
	if log == nil {
		log = slog.Default()
	}
	if pingEvery <= 0 {
		pingEvery = 15 * time.Second
	}
	return &Server{
		hub:   hub,
		store: st,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery: pingEvery,
	}
}

// HandleWS streams the value at ?path= as snapshot frames: one right away and
// one after every change below it.
// WS endpoint: GET /ws?path=rooms/{room}/questions
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	path, err := store.CleanPath(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newWsConn(conn, path)
	s.hub.Add(c)
	defer func() {
		s.hub.Remove(c)
		if err := c.Close(); err != nil {
			s.log.Debug("ws close failed", "path", path, "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	unsub, err := s.store.Subscribe(ctx, path,
		func(snap store.Snapshot) {
			if err := c.Send(Message{Type: TypeSnapshot, Data: snap}); err != nil {
				s.log.Debug("ws send snapshot failed", "path", path, "err", err)
				_ = c.Close()
			}
		},
		func(err error) {
			_ = c.Send(Message{Type: TypeError, Data: ErrorPayload{Message: err.Error()}})
			_ = c.Close()
		},
	)
	if err != nil {
		s.log.Warn("ws subscribe failed", "path", path, "err", err)
		_ = c.Send(Message{Type: TypeError, Data: ErrorPayload{Message: err.Error()}})
		return
	}
	defer unsub()

	s.log.Debug("ws subscribed", "path", path, "open", s.hub.Count())

	go s.writeLoop(ctx, c)
	s.readLoop(c)
}

// readLoop only keeps the read deadline moving; clients have nothing to say.
func (s *Server) readLoop(c *wsConn) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

type wsConn struct {
	conn      *websocket.Conn
	path      string
	sendMu    sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newWsConn(c *websocket.Conn, path string) *wsConn {
	return &wsConn{
		conn:   c,
		path:   path,
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) Path() string { return c.path }
