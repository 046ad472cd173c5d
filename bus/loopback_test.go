package bus

import (
	"bytes"
	"testing"
)

func TestLoopbackDelivery(t *testing.T) {
	lb := NewLoopbackBus()
	a := lb.Open()
	b := lb.Open()

	frame := Frame{ID: 0x1CEB0201, Len: 8}
	copy(frame.Data[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err := a.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, ok := b.Recv()
	if !ok {
		t.Fatal("expected a pending frame")
	}
	if got.ID != frame.ID || !bytes.Equal(got.Data[:], frame.Data[:]) {
		t.Errorf("frame mismatch: %+v", got)
	}
	// The sender does not hear its own frames.
	if _, ok := a.Recv(); ok {
		t.Error("sender received its own frame")
	}
}

func TestLoopbackBackpressure(t *testing.T) {
	lb := NewLoopbackBus()
	a := lb.Open()
	lb.Open() // peer that never drains

	var err error
	for i := 0; i < 1024; i++ {
		if err = a.Send(Frame{ID: uint32(i)}); err != nil {
			break
		}
	}
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy once the peer queue fills, got %v", err)
	}
}

func TestLoopbackClose(t *testing.T) {
	lb := NewLoopbackBus()
	a := lb.Open()
	b := lb.Open()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send(Frame{ID: 1}); err != nil {
		t.Fatalf("Send to remaining endpoints: %v", err)
	}
	if err := lb.Close(); err != nil {
		t.Fatalf("bus Close: %v", err)
	}
	if err := a.Send(Frame{ID: 2}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after bus close, got %v", err)
	}
}
