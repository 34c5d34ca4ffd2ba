// Package wsfx runs the HTTP server and the websocket transport. Each
// accepted websocket becomes a client.Conn backed by a buffered channel and a
// single writer goroutine, so event delivery per connection is FIFO.
package wsfx

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maanworks/coedit/src/coedit/handler/collab"
	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
	"github.com/maanworks/coedit/src/coedit/internal/protocol"
)

const (
	_configKey = "server"

	_defaultAddress    = "127.0.0.1:8990"
	_defaultSendBuffer = 256
)

// Module provides the server and starts it with the fx app.
var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(func(*Server) {}),
)

// Config holds the HTTP server settings.
type Config struct {
	Address        string `yaml:"address"`
	SendBufferSize int    `yaml:"sendBufferSize"`
}

// Params are inbound parameters to construct the server.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Handler   collab.Handler
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

// Server is the HTTP and websocket front end.
type Server struct {
	handler collab.Handler
	logger  *zap.SugaredLogger
	stats   tally.Scope
	cfg     Config
	router  *mux.Router
	http    *http.Server

	upgrader websocket.Upgrader
}

// New constructs the server and registers its lifecycle hooks.
func New(p Params, provider config.Provider) (*Server, error) {
	cfg := Config{Address: _defaultAddress, SendBufferSize: _defaultSendBuffer}
	if err := provider.Get(_configKey).Populate(&cfg); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		cfg.Address = _defaultAddress
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = _defaultSendBuffer
	}

	s := &Server{
		handler: p.Handler,
		logger:  p.Logger.With("plugin", "server"),
		stats:   p.Stats.SubScope("server"),
		cfg:     cfg,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	p.Handler.RegisterRoutes(s.router)
	s.router.HandleFunc("/ws/{token}", s.serveWS)
	s.http = &http.Server{Addr: cfg.Address, Handler: s.router}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Address)
			if err != nil {
				return err
			}
			s.logger.Infow("listening", "address", ln.Addr().String())
			go func() {
				if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
					s.logger.Errorw("server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.http.Shutdown(ctx)
		},
	})
	return s, nil
}

// Handler exposes the routing tree, used by tests to serve over httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	session, err := s.handler.Resolve(r.Context(), token)
	if err != nil {
		http.Error(w, "unknown session token", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	s.stats.Counter("connections").Inc(1)

	conn := newConn(ws, s.cfg.SendBufferSize)
	go conn.writeLoop()

	router := s.handler.NewRouter(session.UUID, conn)

	// The read loop owns the router; no other goroutine touches it.
	ctx := context.Background()
	for {
		var ev protocol.Event
		if err := ws.ReadJSON(&ev); err != nil {
			break
		}
		router.HandleEvent(ctx, ev)
	}
	router.HandleDisconnect(ctx)
	conn.Close()
}

var errConnUnwritable = coediterrors.New("connection send buffer full")

// wsConn adapts a websocket to client.Conn. Send never blocks: a full buffer
// fails the send, which makes the gateway drop the connection.
type wsConn struct {
	ws   *websocket.Conn
	send chan protocol.Event
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan protocol.Event, buffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) Send(ev protocol.Event) error {
	select {
	case <-c.done:
		return coediterrors.New("connection closed")
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errConnUnwritable
	}
}

func (c *wsConn) Close() error {
	c.stop()
	return nil
}

func (c *wsConn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-c.send:
			if err := c.ws.WriteJSON(ev); err != nil {
				c.stop()
				return
			}
		}
	}
}
