package ai

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dkeye/quasipeer/internal/core"
)

const streamMethod = "/transcription.TranscriptionService/StreamTranscription"

var streamDesc = grpc.StreamDesc{
	StreamName:    "StreamTranscription",
	ClientStreams: true,
	ServerStreams: true,
}

// GRPCBackend streams audio to the transcription service. The request id travels
// in room_id so answers can be correlated.
type GRPCBackend struct {
	addr string
	opts []grpc.DialOption
}

var _ core.AIBackend = (*GRPCBackend)(nil)

func NewGRPCBackend(addr string, opts ...grpc.DialOption) *GRPCBackend {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	}
	return &GRPCBackend{addr: addr, opts: append(base, opts...)}
}

func (b *GRPCBackend) Dial(_ context.Context) (core.AILink, error) {
	conn, err := grpc.NewClient(b.addr, b.opts...)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(sctx, &streamDesc, streamMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, err
	}
	l := &grpcLink{
		conn:   conn,
		stream: stream,
		cancel: cancel,
		queues: newUserQueues(),
		resp:   make(chan core.TranscriptionResponse, responseSize),
		done:   make(chan struct{}),
	}
	go l.recvLoop()
	log.Info().Str("module", "ai.grpc").Str("addr", b.addr).Msg("transcription stream open")
	return l, nil
}

type grpcLink struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
	queues *userQueues

	resp chan core.TranscriptionResponse
	done chan struct{}
	once sync.Once
}

func (l *grpcLink) Send(_ context.Context, req core.TranscriptionRequest) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.queues.push(req.ParticipantID, req.RequestID)
	err := l.stream.SendMsg(&audioRequest{AudioData: req.AudioData, UserID: req.ParticipantID, RoomID: req.RequestID})
	if err != nil {
		l.queues.remove(req.ParticipantID, req.RequestID)
	}
	return err
}

func (l *grpcLink) Responses() <-chan core.TranscriptionResponse { return l.resp }

func (l *grpcLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.sendMu.Lock()
		_ = l.stream.CloseSend()
		l.sendMu.Unlock()
		l.cancel()
		err = l.conn.Close()
	})
	return err
}

func (l *grpcLink) recvLoop() {
	defer close(l.resp)
	defer l.Close()
	for {
		var r transcriptionReply
		if err := l.stream.RecvMsg(&r); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("module", "ai.grpc").Msg("transcription stream ended")
			}
			return
		}
		for _, out := range l.queues.answer(r) {
			select {
			case l.resp <- out:
			case <-l.done:
				return
			}
		}
	}
}

// userQueues remembers, per user, the requests sent but not yet answered.
// The service merges a user's audio, so one answer covers every earlier request of that user.
type userQueues struct {
	mu sync.Mutex
	q  map[string][]string
}

func newUserQueues() *userQueues { return &userQueues{q: make(map[string][]string)} }

func (u *userQueues) push(user, id string) {
	u.mu.Lock()
	u.q[user] = append(u.q[user], id)
	u.mu.Unlock()
}

func (u *userQueues) remove(user, id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	q := u.q[user]
	for i, v := range q {
		if v == id {
			u.q[user] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(u.q[user]) == 0 {
		delete(u.q, user)
	}
}

// answer turns one service reply into responses: empty ones for the requests the
// reply absorbed, then the reply itself.
func (u *userQueues) answer(r transcriptionReply) []core.TranscriptionResponse {
	u.mu.Lock()
	defer u.mu.Unlock()
	q := u.q[r.UserID]
	if len(q) == 0 {
		return nil
	}
	cut := 0
	if r.RoomID != "" {
		cut = -1
		for i, id := range q {
			if id == r.RoomID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return nil
		}
	}
	out := make([]core.TranscriptionResponse, 0, cut+1)
	for _, id := range q[:cut] {
		out = append(out, core.TranscriptionResponse{RequestID: id})
	}
	out = append(out, core.TranscriptionResponse{
		RequestID:  q[cut],
		Text:       r.Text,
		Confidence: float64(r.Confidence),
		Error:      r.Error,
	})
	if rest := q[cut+1:]; len(rest) > 0 {
		u.q[r.UserID] = rest
	} else {
		delete(u.q, r.UserID)
	}
	return out
}
