package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vncrelay_go/internal/backend"
	"vncrelay_go/internal/protocol"
	"vncrelay_go/internal/shared/logger"
)

// Connection is one accepted client socket and its (at most one) desktop
// session. Messages from the socket are handled strictly in arrival
// order by run; the periodic producer interleaves only at the write
// mutex, never mid-frame.
type Connection struct {
	id     string
	server *Server
	ws     *websocket.Conn

	// writeMu serializes all socket writes: replies from the read loop
	// and frames from the producer goroutine.
	writeMu sync.Mutex

	// mu guards session and producerStop; the read loop assigns them,
	// Close may run from the producer or the idle sweep.
	mu           sync.Mutex
	session      backend.Session
	producerStop chan struct{}

	seq          atomic.Uint64
	activityNano atomic.Int64

	closeOnce sync.Once
}

func newConnection(s *Server, ws *websocket.Conn) *Connection {
	c := &Connection{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
	}
	c.touch()
	return c
}

// run sends the initial acknowledgement and processes inbound messages
// until the socket fails or closes.
func (c *Connection) run() {
	ack := protocol.ConnectedAck{Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if err := c.send(protocol.TypeConnected, &ack); err != nil {
		return
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !isClosedConnError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("conn_id", c.id).Msg("Socket read failed")
			}
			return
		}
		c.touch()
		if err := c.handleMessage(raw); err != nil {
			// Only transport errors propagate out of handleMessage.
			return
		}
	}
}

// handleMessage dispatches one inbound frame. Protocol and session level
// failures are answered on the socket and return nil; a non-nil error
// means the socket itself is broken.
func (c *Connection) handleMessage(raw []byte) error {
	env, err := protocol.Parse(raw)
	if err != nil {
		metricErrorsTotal.WithLabelValues("malformed").Inc()
		return c.sendError(protocol.TypeError, "Invalid message format")
	}

	switch env.Type {
	case protocol.TypeVNCConnect:
		return c.handleConnect(env)
	case protocol.TypeMouseEvent:
		return c.handleMouseEvent(env)
	case protocol.TypeKeyboardEvent:
		return c.handleKeyboardEvent(env)
	case protocol.TypeRequestScreen:
		return c.handleRequestScreen()
	default:
		metricErrorsTotal.WithLabelValues("unknown_type").Inc()
		return c.sendError(protocol.TypeError, fmt.Sprintf("Unknown message type: %s", env.Type))
	}
}

func (c *Connection) handleConnect(env *protocol.Envelope) error {
	var req protocol.ConnectRequest
	if err := env.Decode(&req); err != nil {
		metricErrorsTotal.WithLabelValues("malformed").Inc()
		return c.sendError(protocol.TypeError, "Invalid message format")
	}
	if err := req.Validate(); err != nil {
		metricErrorsTotal.WithLabelValues("bad_config").Inc()
		return c.sendError(protocol.TypeVNCError, err.Error())
	}
	if c.getSession() != nil {
		return c.sendError(protocol.TypeVNCError, "Session already active")
	}

	sess, err := c.server.backend.Open(req)
	if err != nil {
		metricErrorsTotal.WithLabelValues("backend_open").Inc()
		logger.Warn().Err(err).Str("conn_id", c.id).Str("host", req.Host).Msg("Backend open failed")
		return c.sendError(protocol.TypeVNCError, err.Error())
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.session = sess
	c.producerStop = stop
	c.mu.Unlock()
	metricActiveSessions.Inc()

	info := sess.Info()
	logger.Info().Str("conn_id", c.id).Str("session_id", info.ID).
		Str("target", fmt.Sprintf("%s:%d", info.Host, info.Port)).Msg("Session opened")

	interval := time.Duration(c.server.cfg.RelayConf.UpdateIntervalMs) * time.Millisecond
	c.server.waitGroup.Add(1)
	go c.produceUpdates(sess, interval, stop)

	return c.send(protocol.TypeVNCConnected, &info)
}

func (c *Connection) getSession() backend.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) handleMouseEvent(env *protocol.Envelope) error {
	sess := c.getSession()
	if sess == nil {
		return c.sendError(protocol.TypeError, "Not connected")
	}
	var ev protocol.PointerEvent
	if err := env.Decode(&ev); err != nil {
		metricErrorsTotal.WithLabelValues("malformed").Inc()
		return c.sendError(protocol.TypeError, "Invalid message format")
	}
	if err := sess.SendPointer(ev); err != nil {
		metricErrorsTotal.WithLabelValues("backend_input").Inc()
		return c.sendError(protocol.TypeVNCError, err.Error())
	}
	metricInputEventsTotal.Inc()
	return nil
}

func (c *Connection) handleKeyboardEvent(env *protocol.Envelope) error {
	sess := c.getSession()
	if sess == nil {
		return c.sendError(protocol.TypeError, "Not connected")
	}
	var ev protocol.KeyEvent
	if err := env.Decode(&ev); err != nil {
		metricErrorsTotal.WithLabelValues("malformed").Inc()
		return c.sendError(protocol.TypeError, "Invalid message format")
	}
	if err := sess.SendKey(ev); err != nil {
		metricErrorsTotal.WithLabelValues("backend_input").Inc()
		return c.sendError(protocol.TypeVNCError, err.Error())
	}
	metricInputEventsTotal.Inc()
	return nil
}

// handleRequestScreen captures and sends one frame outside the periodic
// cadence.
func (c *Connection) handleRequestScreen() error {
	sess := c.getSession()
	if sess == nil {
		return c.sendError(protocol.TypeError, "Not connected")
	}
	return c.captureAndSend(sess)
}

// produceUpdates is the periodic screen-update producer. A send failure
// tears the whole connection down.
func (c *Connection) produceUpdates(sess backend.Session, interval time.Duration, stop chan struct{}) {
	defer c.server.waitGroup.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.captureAndSend(sess); err != nil {
				logger.Debug().Err(err).Str("conn_id", c.id).Msg("Update send failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

// captureAndSend grabs one frame from the session and writes it out.
// Capture failures are reported to the client and do not close the
// connection; only the write error is returned.
func (c *Connection) captureAndSend(sess backend.Session) error {
	update, err := sess.Capture()
	if err != nil {
		metricErrorsTotal.WithLabelValues("backend_capture").Inc()
		return c.sendError(protocol.TypeVNCError, err.Error())
	}
	update.Seq = c.seq.Add(1)
	if err := c.send(protocol.TypeScreenUpdate, update); err != nil {
		return err
	}
	metricFramesSentTotal.Inc()
	return nil
}

func (c *Connection) send(msgType string, payload any) error {
	raw, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Connection) sendError(msgType, text string) error {
	return c.send(msgType, &protocol.ErrorInfo{Error: text})
}

func (c *Connection) touch() {
	c.activityNano.Store(time.Now().UnixNano())
}

func (c *Connection) lastActivity() time.Time {
	return time.Unix(0, c.activityNano.Load())
}

// Close stops the producer before the socket is closed, releases the
// session and unregisters the connection. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stop, sess := c.producerStop, c.session
		c.producerStop, c.session = nil, nil
		c.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		if sess != nil {
			sess.Close()
			metricActiveSessions.Dec()
		}
		c.ws.Close()
		c.server.removeConnection(c.id)
		logger.Info().Str("conn_id", c.id).Msg("Client disconnected")
	})
}
