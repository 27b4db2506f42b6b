package audio

import "testing"

func TestJitterBufferWriteTracksAvailable(t *testing.T) {
	b := NewJitterBuffer(10)

	written := b.Write([]byte{1, 2, 3, 4, 5})
	if written != 5 {
		t.Errorf("written = %d, want 5", written)
	}
	if b.Available() != 5 {
		t.Errorf("available = %d, want 5", b.Available())
	}

	written = b.Write([]byte{6, 7, 8})
	if written != 3 {
		t.Errorf("written = %d, want 3", written)
	}
	if b.Available() != 8 {
		t.Errorf("available = %d, want 8", b.Available())
	}
}

func TestJitterBufferUsesFullCapacity(t *testing.T) {
	b := NewJitterBuffer(5)

	written := b.Write([]byte{1, 2, 3, 4, 5})
	if written != 5 {
		t.Errorf("written = %d, want 5 (full capacity, no reserved slot)", written)
	}
	if !b.IsFull() {
		t.Error("expected buffer to be full after writing exactly its capacity")
	}

	if n := b.Write([]byte{6, 7}); n != 0 {
		t.Errorf("write on a full buffer = %d, want 0", n)
	}
}

func TestJitterBufferRead(t *testing.T) {
	b := NewJitterBuffer(10)
	b.Write([]byte{1, 2, 3, 4, 5})

	out := make([]byte, 3)
	n := b.Read(out)
	if n != 3 {
		t.Errorf("read = %d, want 3", n)
	}
	if out[0] != 1 || out[1] != 2 || out[2] != 3 {
		t.Errorf("read data = %v, want [1 2 3]", out)
	}
	if b.Available() != 2 {
		t.Errorf("available = %d, want 2", b.Available())
	}
}

func TestJitterBufferReadFromEmpty(t *testing.T) {
	b := NewJitterBuffer(10)

	if !b.IsEmpty() {
		t.Error("expected a fresh buffer to be empty")
	}

	out := make([]byte, 5)
	if n := b.Read(out); n != 0 {
		t.Errorf("read from empty buffer = %d, want 0", n)
	}
}

func TestJitterBufferReadMoreThanAvailable(t *testing.T) {
	b := NewJitterBuffer(10)
	b.Write([]byte{1, 2, 3})

	out := make([]byte, 10)
	n := b.Read(out)
	if n != 3 {
		t.Errorf("read = %d, want 3", n)
	}
	if !b.IsEmpty() {
		t.Error("expected buffer to be empty after draining everything written")
	}
}

func TestJitterBufferClear(t *testing.T) {
	b := NewJitterBuffer(10)
	b.Write([]byte{1, 2, 3, 4, 5})

	b.Clear()
	if b.Available() != 0 {
		t.Errorf("available = %d after Clear, want 0", b.Available())
	}
	if !b.IsEmpty() {
		t.Error("expected buffer to be empty after Clear")
	}
	if b.Space() != 10 {
		t.Errorf("space = %d after Clear, want the full capacity back", b.Space())
	}
}

func TestJitterBufferWrapAround(t *testing.T) {
	b := NewJitterBuffer(5)

	b.Write([]byte{1, 2, 3, 4, 5})

	out := make([]byte, 2)
	b.Read(out) // drops 1, 2; head wraps forward

	b.Write([]byte{6, 7}) // wraps tail back around the ring

	if b.Available() != 5 {
		t.Errorf("available = %d, want 5", b.Available())
	}

	out = make([]byte, 5)
	n := b.Read(out)
	if n != 5 {
		t.Errorf("read = %d, want 5", n)
	}
	want := []byte{3, 4, 5, 6, 7}
	for i, b := range want {
		if out[i] != b {
			t.Errorf("out[%d] = %d, want %d", i, out[i], b)
		}
	}
}
