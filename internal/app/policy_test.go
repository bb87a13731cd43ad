package app

import (
	"testing"
	"time"
)

func TestStrikePolicyKicksAfterRepeatedOverflow(t *testing.T) {
	p := NewStrikePolicy(3, time.Second)
	now := time.Unix(100, 0)
	p.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if got := p.OnBackPressure("m1", "A"); got != MarkSlow {
			t.Fatalf("overflow %d: expected MarkSlow, got %v", i, got)
		}
	}
	if got := p.OnBackPressure("m1", "A"); got != KickMember {
		t.Fatalf("third overflow must kick, got %v", got)
	}
	if got := p.OnBackPressure("m1", "B"); got != MarkSlow {
		t.Fatalf("strikes are per participant, got %v", got)
	}
}

func TestStrikePolicyForgetsOldStrikes(t *testing.T) {
	p := NewStrikePolicy(2, time.Second)
	now := time.Unix(100, 0)
	p.now = func() time.Time { return now }

	p.OnBackPressure("m1", "A")
	now = now.Add(2 * time.Second)
	if got := p.OnBackPressure("m1", "A"); got != MarkSlow {
		t.Fatalf("expired strike must not count, got %v", got)
	}
	p.Forget("A")
	if got := p.OnBackPressure("m1", "A"); got != MarkSlow {
		t.Fatalf("forgotten strikes must not count, got %v", got)
	}
}

func TestStrikePolicyOfOneKicksImmediately(t *testing.T) {
	if got := NewStrikePolicy(1, time.Second).OnBackPressure("m1", "A"); got != KickMember {
		t.Fatalf("expected KickMember, got %v", got)
	}
}
