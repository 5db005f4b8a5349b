package connstate

import (
	"testing"

	"github.com/nstrading/ns-tradechat/wire"
)

func TestPeekFrameWaitsForCompleteFrame(t *testing.T) {
	c := New(3, "127.0.0.1:1")
	frame := wire.Encode(0, wire.OpHello, wire.StatusOK, 1, nil)

	c.AppendRead(frame[:10])
	if _, ok := c.PeekFrame(wire.DefaultMaxBodyLen); ok {
		t.Fatalf("expected no complete frame yet")
	}

	c.AppendRead(frame[10:])
	got, ok := c.PeekFrame(wire.DefaultMaxBodyLen)
	if !ok {
		t.Fatalf("expected a complete frame")
	}
	if len(got) != len(frame) {
		t.Fatalf("frame length = %d, want %d", len(got), len(frame))
	}
	c.Consume(len(got))
	if c.readLen != 0 {
		t.Fatalf("expected buffer fully consumed, readLen=%d", c.readLen)
	}
}

func TestPeekFrameHandlesTwoFramesInOneRead(t *testing.T) {
	c := New(3, "127.0.0.1:1")
	f1 := wire.Encode(0, wire.OpHeartbeat, wire.StatusOK, 1, nil)
	f2 := wire.Encode(0, wire.OpHeartbeat, wire.StatusOK, 2, nil)
	c.AppendRead(append(append([]byte{}, f1...), f2...))

	got1, ok := c.PeekFrame(wire.DefaultMaxBodyLen)
	if !ok {
		t.Fatalf("expected first frame")
	}
	c.Consume(len(got1))

	got2, ok := c.PeekFrame(wire.DefaultMaxBodyLen)
	if !ok {
		t.Fatalf("expected second frame")
	}
	h, _ := wire.DecodeHeader(got2[:wire.HeaderLen])
	if h.RequestID != 2 {
		t.Fatalf("second frame req id = %d, want 2", h.RequestID)
	}
}

func TestEnqueueOrderPreserved(t *testing.T) {
	c := New(3, "127.0.0.1:1")
	c.Enqueue([]byte("first"))
	c.Enqueue([]byte("second"))

	if string(c.NextWrite()) != "first" {
		t.Fatalf("expected 'first' at head of queue")
	}
	c.Advance(len("first"))
	if string(c.NextWrite()) != "second" {
		t.Fatalf("expected 'second' at head of queue after advance")
	}
	c.Advance(len("second"))
	if c.HasPendingWrites() {
		t.Fatalf("expected empty write queue")
	}
}

func TestSeenRequestDetectsRepeat(t *testing.T) {
	c := New(3, "127.0.0.1:1")
	if c.SeenRequest(wire.OpTransfer, 42) {
		t.Fatalf("first sighting should not be a repeat")
	}
	if !c.SeenRequest(wire.OpTransfer, 42) {
		t.Fatalf("second sighting should be flagged as a probable repeat")
	}
	if c.SeenRequest(wire.OpTransfer, 43) {
		t.Fatalf("a different request id must not collide")
	}
}
