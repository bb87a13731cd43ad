package ai

import (
	"testing"
)

func TestWireRoundTrip(t *testing.T) {
	in := transcriptionReply{Text: "hello", Confidence: 0.75, UserID: "A", RoomID: "r1", IsFinal: true, Error: ""}
	var out transcriptionReply
	if err := out.unmarshal(in.marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}

	req := audioRequest{AudioData: []float32{0.25, -1}, UserID: "A", RoomID: "r2"}
	var back audioRequest
	if err := back.unmarshal(req.marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.AudioData) != 2 || back.AudioData[0] != 0.25 || back.AudioData[1] != -1 || back.RoomID != "r2" {
		t.Fatalf("unexpected request %+v", back)
	}
}

func TestWireRejectsTruncated(t *testing.T) {
	b := (&transcriptionReply{Text: "hello"}).marshal()
	var out transcriptionReply
	if err := out.unmarshal(b[:len(b)-2]); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAnswerAbsorbsEarlierRequests(t *testing.T) {
	q := newUserQueues()
	q.push("A", "r1")
	q.push("B", "r2")
	q.push("A", "r3")
	q.push("A", "r4")

	out := q.answer(transcriptionReply{Text: "merged", UserID: "A", RoomID: "r3", Confidence: 0.5})
	if len(out) != 2 {
		t.Fatalf("expected 2 responses, got %+v", out)
	}
	if out[0].RequestID != "r1" || out[0].Text != "" {
		t.Fatalf("earlier request must resolve empty, got %+v", out[0])
	}
	if out[1].RequestID != "r3" || out[1].Text != "merged" {
		t.Fatalf("unexpected answer %+v", out[1])
	}

	// r4 still waits; B untouched
	if out := q.answer(transcriptionReply{Text: "b", UserID: "B", RoomID: "r2"}); len(out) != 1 || out[0].RequestID != "r2" {
		t.Fatalf("unexpected B answer %+v", out)
	}
	if out := q.answer(transcriptionReply{Text: "late", UserID: "A"}); len(out) != 1 || out[0].RequestID != "r4" {
		t.Fatalf("answer without id must take the oldest, got %+v", out)
	}
	if out := q.answer(transcriptionReply{Text: "ghost", UserID: "A", RoomID: "r9"}); out != nil {
		t.Fatalf("unknown user queue must yield nothing, got %+v", out)
	}
}

func TestRemoveKeepsOrder(t *testing.T) {
	q := newUserQueues()
	q.push("A", "r1")
	q.push("A", "r2")
	q.push("A", "r3")
	q.remove("A", "r2")
	out := q.answer(transcriptionReply{UserID: "A", RoomID: "r3", Text: "t"})
	if len(out) != 2 || out[0].RequestID != "r1" || out[1].RequestID != "r3" {
		t.Fatalf("unexpected %+v", out)
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	if _, err := (wireCodec{}).Marshal("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
