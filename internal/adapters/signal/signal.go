// Package signal is the websocket signaling endpoint: one connection per participant,
// JSON messages tagged by "type" and binary frames carrying audio.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app/orch"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
)

const sendQueue = 64

var ErrConnClosed = errors.New("connection closed")

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	RateLimit    int
	RateInterval time.Duration
	// E2EE tells joiners to encrypt media end to end. The SFU forwards payloads untouched.
	E2EE bool
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	validate *validator.Validate
	limiter  *RateLimiter
	opts     Options

	mu        sync.RWMutex
	conns     map[domain.ParticipantID]*WsSignalConn
	accepting atomic.Bool
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateInterval <= 0 {
		opts.RateInterval = 10 * time.Second
	}
	ctl := &SignalWSController{
		Orch:     o,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateInterval),
		opts:     opts,
		conns:    make(map[domain.ParticipantID]*WsSignalConn),
	}
	ctl.accepting.Store(true)
	return ctl
}

type connState int32

const (
	stateConnected connState = iota
	stateInMeeting
	stateDisconnected
)

// WsSignalConn is one participant connection.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	pid  domain.ParticipantID
	// name from the connect token, used when join carries none
	name string

	mu      sync.RWMutex
	closed  bool
	state   connState
	meeting domain.MeetingID
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *WsSignalConn) current() (connState, domain.MeetingID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.meeting
}

func (c *WsSignalConn) enter(mid domain.MeetingID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return false
	}
	c.state, c.meeting = stateInMeeting, mid
	return true
}

func (c *WsSignalConn) exit() (domain.MeetingID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateInMeeting {
		return "", false
	}
	mid := c.meeting
	c.state, c.meeting = stateConnected, ""
	return mid, true
}

// disconnect moves to the terminal state. inMeeting is true only for the first call
// made while the participant was in a meeting.
func (c *WsSignalConn) disconnect() (first, inMeeting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDisconnected {
		return false, false
	}
	inMeeting = c.state == stateInMeeting
	c.state, c.meeting = stateDisconnected, ""
	return true, inMeeting
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	if !ctl.accepting.Load() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	pid := domain.ParticipantID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(pid)).Str("remote", c.ClientIP()).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendQueue),
		pid:  pid,
		name: c.GetString("display_name"),
	}
	ctl.mu.Lock()
	ctl.conns[pid] = conn
	ctl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

// Accepting reports whether new connections are admitted.
func (ctl *SignalWSController) Accepting() bool { return ctl.accepting.Load() }

func (ctl *SignalWSController) StopAccepting() { ctl.accepting.Store(false) }

// CloseAll drops every connection; each one leaves its meeting on the way out.
func (ctl *SignalWSController) CloseAll() {
	ctl.mu.RLock()
	all := make([]*WsSignalConn, 0, len(ctl.conns))
	for _, c := range ctl.conns {
		all = append(all, c)
	}
	ctl.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}

// Connections is the number of open signaling connections.
func (ctl *SignalWSController) Connections() int {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return len(ctl.conns)
}

func (ctl *SignalWSController) lookup(pid domain.ParticipantID) (*WsSignalConn, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	c, ok := ctl.conns[pid]
	return c, ok
}

// teardown runs once per connection when its read side ends.
func (ctl *SignalWSController) teardown(c *WsSignalConn) {
	first, inMeeting := c.disconnect()
	if !first {
		return
	}
	if inMeeting {
		ctl.Orch.Leave(c.pid)
	}
	ctl.limiter.Forget(c.pid)
	ctl.mu.Lock()
	delete(ctl.conns, c.pid)
	ctl.mu.Unlock()
	c.Close()
	log.Info().Str("module", "signal").Str("sid", string(c.pid)).Bool("was_in_meeting", inMeeting).Msg("connection closed")
}
