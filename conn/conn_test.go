package conn

import "testing"

func TestPipeRoundTrip(t *testing.T) {
	a, b := NewPipe()
	if !a.Open() || !b.Open() {
		t.Fatal("open failed")
	}

	n := a.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("Write = %d, want 5", n)
	}

	if got := b.Available(); got != 5 {
		t.Fatalf("Available = %d, want 5", got)
	}

	dst := make([]byte, 5)
	if n := b.Read(dst); n != 5 || string(dst) != "hello" {
		t.Fatalf("Read = %d %q", n, dst)
	}
}

func TestPipePutBack(t *testing.T) {
	a, b := NewPipe()
	a.Open()
	b.Open()

	a.Write([]byte{0xAA, 0x01, 0x02, 0x03})

	first := make([]byte, 1)
	b.Read(first)

	// Simulate a partial-read parser putting back the consumed prefix.
	b.PutBack(first)

	if got := b.Available(); got != 4 {
		t.Fatalf("Available after put-back = %d, want 4", got)
	}

	all := make([]byte, 4)
	n := b.Read(all)
	if n != 4 || all[0] != 0xAA {
		t.Fatalf("Read after put-back = %d %v", n, all)
	}
}

func TestPipeCloseClearsPutBack(t *testing.T) {
	a, b := NewPipe()
	a.Open()
	b.Open()

	b.PutBack([]byte{1, 2, 3})
	if b.Available() != 3 {
		t.Fatalf("Available = %d, want 3", b.Available())
	}

	b.Close()
	if b.Available() != 0 {
		t.Fatalf("Available after close = %d, want 0", b.Available())
	}
}

func TestPipeReadZeroWhenEmpty(t *testing.T) {
	a, b := NewPipe()
	a.Open()
	b.Open()

	dst := make([]byte, 10)
	if n := b.Read(dst); n != 0 {
		t.Fatalf("Read on empty pipe = %d, want 0", n)
	}
}

func TestPipeWriteAfterPeerCloseIsNoop(t *testing.T) {
	a, b := NewPipe()
	a.Open()
	b.Open()
	b.Close()

	if n := a.Write([]byte("x")); n != 0 {
		t.Fatalf("Write to closed peer = %d, want 0", n)
	}
}
