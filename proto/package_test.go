package proto

import (
	"testing"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/conn"
)

func TestPackageEncodeDecodeRoundTrip(t *testing.T) {
	pkg, err := New(iac.EpID(1), iac.EpID(2), iac.PackageType(10), []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	a, b := conn.NewPipe()
	a.Open()
	b.Open()

	if !pkg.SendOver(a) {
		t.Fatal("SendOver failed")
	}

	st := &ReadState{}
	got, ok, err := ReadFrom(b, st, nil)
	if err != nil || !ok {
		t.Fatalf("ReadFrom: ok=%v err=%v", ok, err)
	}
	if got.From != iac.EpID(1) || got.To != iac.EpID(2) || got.Type != iac.PackageType(10) {
		t.Fatalf("header mismatch: %+v", got)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	_, err := New(0, 0, 0, make([]byte, iac.MaxPayloadSize+1))
	if err != iac.ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestMaxPayloadFits(t *testing.T) {
	pkg, err := New(0, 0, 0, make([]byte, iac.MaxPayloadSize))
	if err != nil {
		t.Fatal(err)
	}
	frame := pkg.Encode()
	if len(frame) != 8+iac.MaxPayloadSize {
		t.Fatalf("frame len = %d, want %d", len(frame), 8+iac.MaxPayloadSize)
	}
}

func TestReadFromPartialReadResync(t *testing.T) {
	pkg, _ := New(1, 2, 3, []byte("partial-payload"))
	frame := pkg.Encode()

	a, b := conn.NewPipe()
	a.Open()
	b.Open()

	// Write only the header, withholding the payload to force a wait_size.
	a.Write(frame[:8])

	st := &ReadState{}
	_, ok, err := ReadFrom(b, st, nil)
	if err != nil || ok {
		t.Fatalf("expected not-yet-ready, got ok=%v err=%v", ok, err)
	}
	if st.WaitSize == 0 {
		t.Fatal("expected WaitSize to be set")
	}

	// Deliver the rest; the parser must resume from the replayed prefix.
	a.Write(frame[8:])
	got, ok, err := ReadFrom(b, st, nil)
	if err != nil || !ok {
		t.Fatalf("ReadFrom after completion: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "partial-payload" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestReadFromSkipsKeepalivePokesAndNoise(t *testing.T) {
	pkg, _ := New(1, 2, 3, []byte("x"))
	frame := pkg.Encode()

	a, b := conn.NewPipe()
	a.Open()
	b.Open()

	noisy := append([]byte{0x00, 0x00, 0x7F}, frame...)
	a.Write(noisy)

	st := &ReadState{}
	got, ok, err := ReadFrom(b, st, nil)
	if err != nil || !ok {
		t.Fatalf("ReadFrom: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "x" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestReadFromNotEnoughDataYieldsFalseNotError(t *testing.T) {
	a, b := conn.NewPipe()
	a.Open()
	b.Open()

	a.Write([]byte{0xAA, 0x01})

	st := &ReadState{}
	_, ok, err := ReadFrom(b, st, nil)
	if err != nil || ok {
		t.Fatalf("expected not-ready, got ok=%v err=%v", ok, err)
	}
}
