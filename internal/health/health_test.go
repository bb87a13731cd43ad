package health

import (
	"context"
	"errors"
	"testing"
)

type ping struct{ err error }

func (p ping) Ping(context.Context) error { return p.err }

type alive bool

func (a alive) Alive() bool     { return bool(a) }
func (a alive) Accepting() bool { return bool(a) }

func TestAllHealthy(t *testing.T) {
	c := &Checker{Store: ping{}, Media: alive(true), Signaling: alive(true)}
	s := c.Check(context.Background())
	if s.Status != StatusOK || !s.Services.Store.OK || !s.Services.MediaEngine.OK {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestDegradedOnAnyFailure(t *testing.T) {
	cases := []struct {
		name string
		c    *Checker
	}{
		{"store down", &Checker{Store: ping{errors.New("refused")}, Media: alive(true), Signaling: alive(true)}},
		{"engine dead", &Checker{Store: ping{}, Media: alive(false), Signaling: alive(true)}},
		{"not accepting", &Checker{Store: ping{}, Media: alive(true), Signaling: alive(false)}},
		{"nothing wired", &Checker{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if s := tc.c.Check(context.Background()); s.Status != StatusDegraded {
				t.Fatalf("expected degraded, got %+v", s)
			}
		})
	}
}
