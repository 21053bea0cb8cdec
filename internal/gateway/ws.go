package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"livetail/internal/logging"
	"livetail/internal/tail"
)

const (
	wsSubprotocolV1   = "livetail.v1"
	wsMaxFrameBytes   = 4 << 10
	wsMaxPingFailures = 3
)

// wsSession is one connected WebSocket client of one stream.
type wsSession struct {
	id     string
	server *Server
	handle *tail.Handle
	conn   *websocket.Conn

	send   chan Frame
	resync chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, h *tail.Handle) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocolV1},
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		s.logger.Info("ws accept failed", logging.Error(err))
		return
	}
	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol "+wsSubprotocolV1+" required")
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	session := &wsSession{
		id:     uuid.NewString(),
		server: s,
		handle: h,
		conn:   conn,
		send:   make(chan Frame, s.opts.SendQueue),
		resync: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	session.run(r.Context())
}

func (ws *wsSession) logger() *slog.Logger {
	return logging.WithStream(ws.server.logger, ws.handle.StreamID()).With(
		logging.Args(logging.String("ws_session", ws.id))...,
	)
}

func (ws *wsSession) run(readCtx context.Context) {
	ctx, cancel := context.WithCancel(readCtx)
	defer cancel()
	log := ws.logger()
	log.Info("ws connected")

	reason := "client closed"
	// shutdown stops the writer and starts the close handshake. The read
	// loop observes the handshake and returns.
	shutdown := func(code websocket.StatusCode, why string) {
		ws.closeOnce.Do(func() {
			reason = why
			close(ws.done)
			cancel()
			go func() { _ = ws.conn.Close(code, why) }()
		})
	}

	// Subscribe before the writer takes its snapshot so no update falls
	// between them; the writer drops deltas the snapshot already covers.
	projector := ws.server.projector(ws.handle.StreamID())
	unsubscribe := ws.handle.Subscribe(func(u tail.Update) {
		if u.Resync {
			ws.requestResync()
			return
		}
		select {
		case ws.send <- deltaFrame(u, projector):
		default:
			ws.requestResync()
		}
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := ws.writeLoop(ctx); err != nil && ctx.Err() == nil {
			log.Info("ws write failed", logging.Error(err))
			shutdown(websocket.StatusInternalError, "write failed")
		}
	}()
	go func() {
		defer wg.Done()
		ws.heartbeat(ctx, func() { shutdown(websocket.StatusGoingAway, "heartbeat failed") })
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ws.handle.Done():
			shutdown(websocket.StatusGoingAway, "stream closed")
		case <-ctx.Done():
		}
	}()

	ws.readLoop(readCtx)
	shutdown(websocket.StatusNormalClosure, "bye")
	wg.Wait()
	log.Info("ws disconnected", logging.String("reason", reason))
}

func (ws *wsSession) requestResync() {
	select {
	case ws.resync <- struct{}{}:
	default:
	}
}

// writeLoop sends the initial snapshot, then deltas in order. A resync
// request discards queued deltas and sends a fresh snapshot.
func (ws *wsSession) writeLoop(ctx context.Context) error {
	projector := ws.server.projector(ws.handle.StreamID())
	snap := snapshotFrame(FrameSnapshot, ws.handle, projector)
	if err := ws.write(ctx, snap); err != nil {
		return err
	}
	version := snap.Version

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ws.resync:
			ws.drain()
			snap := snapshotFrame(FrameResync, ws.handle, projector)
			if err := ws.write(ctx, snap); err != nil {
				return err
			}
			version = snap.Version
		case f := <-ws.send:
			if f.carriesRecords() && f.Version <= version {
				continue
			}
			if err := ws.write(ctx, f); err != nil {
				return err
			}
			if f.Version > version {
				version = f.Version
			}
		}
	}
}

func (ws *wsSession) drain() {
	for {
		select {
		case <-ws.send:
		default:
			return
		}
	}
}

func (ws *wsSession) write(ctx context.Context, f Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, ws.server.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, ws.conn, f)
}

func (ws *wsSession) heartbeat(ctx context.Context, fail func()) {
	ticker := time.NewTicker(ws.server.opts.PingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.server.opts.WriteTimeout)
			err := ws.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= wsMaxPingFailures {
				fail()
				return
			}
		}
	}
}

// readLoop applies client commands until the peer goes away.
func (ws *wsSession) readLoop(ctx context.Context) {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, ws.conn, &cmd); err != nil {
			return
		}

		action, ok := actions[cmd.Action]
		if !ok {
			ws.trySend(Frame{Type: FrameError, StreamID: ws.handle.StreamID(), Error: "unknown action " + cmd.Action})
			continue
		}
		if err := action(ws.handle); err != nil {
			ws.trySend(Frame{Type: FrameError, StreamID: ws.handle.StreamID(), Error: err.Error()})
		}
	}
}

func (ws *wsSession) trySend(f Frame) {
	select {
	case ws.send <- f:
	case <-ws.done:
	default:
	}
}
