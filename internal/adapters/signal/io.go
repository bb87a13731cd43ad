package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app/metrics"
	"github.com/dkeye/quasipeer/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		cancel()
		ctl.teardown(c)
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.dispatch(ctx, c, mt, data)
	}
}

// guard reports a panic to this connection only. Defer it directly.
func (ctl *SignalWSController) guard(c *WsSignalConn, request string) {
	if r := recover(); r != nil {
		log.Error().Str("module", "signal").Str("sid", string(c.pid)).Str("request", request).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic")
		ctl.sendError(c, request, &domain.SignalError{Code: domain.CodeInternal, Message: "internal error"})
	}
}

// dispatch handles one inbound frame.
func (ctl *SignalWSController) dispatch(ctx context.Context, c *WsSignalConn, mt int, data []byte) {
	defer ctl.guard(c, "")

	if mt == websocket.BinaryMessage {
		metrics.ObserveMessage(MsgTranscriptionRequest)
		ctl.handleAudioFrame(ctx, c, data)
		return
	}
	ctl.handleSignal(ctx, c, data)
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Msg("bad json")
		ctl.sendError(c, "", fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
		return
	}
	metrics.ObserveMessage(env.Type)

	switch env.Type {
	case MsgPing:
		ctl.handlePing(c)
	case MsgWhoAmI:
		ctl.handleWhoAmI(c)
	case MsgGetRouterCapabilities:
		ctl.handleRouterCapabilities(c)
	case MsgJoinMeeting:
		ctl.handleJoin(ctx, c, data)
	case MsgLeaveMeeting:
		ctl.handleLeave(c)
	case MsgCreateTransport:
		ctl.handleCreateTransport(ctx, c, data)
	case MsgConnectTransport:
		ctl.handleConnectTransport(ctx, c, data)
	case MsgProduce:
		ctl.handleProduce(ctx, c, data)
	case MsgConsume:
		ctl.handleConsume(ctx, c, data)
	case MsgCloseProducer:
		ctl.handleCloseProducer(c, data)
	case MsgToggleMedia:
		ctl.handleToggleMedia(c, data)
	case MsgHostAction:
		ctl.handleHostAction(c, data)
	case MsgSetRole:
		ctl.handleSetRole(c, data)
	case MsgTranscriptionRequest:
		ctl.handleTranscription(ctx, c, data)
	case MsgTranslationRequest:
		ctl.handleTranslation(ctx, c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.Type, fmt.Errorf("%w: unknown message type %q", domain.ErrBadPayload, env.Type))
	}
}

// decode parses and validates a payload.
func decode[T any](v *validator.Validate, data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	if err := v.Struct(p); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return p, fmt.Errorf("%w: field %s failed %s", domain.ErrBadPayload, ve[0].Namespace(), ve[0].Tag())
		}
		return p, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	return p, nil
}

// meetingOf returns the meeting of a connection that must be in one.
func (ctl *SignalWSController) meetingOf(c *WsSignalConn, request string) (domain.MeetingID, bool) {
	state, mid := c.current()
	if state != stateInMeeting {
		ctl.sendError(c, request, domain.ErrNotInMeeting)
		return "", false
	}
	return mid, true
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Msg("direct send dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, request string, err error) {
	se := domain.AsSignalError(err)
	if se.Code == domain.CodeInternal {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(c.pid)).Str("request", request).Msg("request failed")
	}
	ctl.sendJSON(c, errorEvent{Type: MsgError, Code: se.Code, Message: se.Message, Request: request})
}

func (ctl *SignalWSController) broadcast(mid domain.MeetingID, except domain.ParticipantID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	ctl.Orch.Registry.Broadcast(mid, except, b)
}
