package core

import "errors"

// Frame is a raw serialized signaling message.
type Frame []byte

// ErrBackpressure is returned by TrySend when the outbound queue is full.
var ErrBackpressure = errors.New("signal: send queue is full")

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
