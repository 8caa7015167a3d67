package socket

import "testing"

func TestSocketConnectAndRoundTrip(t *testing.T) {
	reg := NewRegistry()
	a := New(reg)
	b := New(reg)

	if err := a.Connect(b.LocalPort()); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	if err := b.Connect(a.LocalPort()); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}

	if _, err := a.Write([]byte("ping")); err != nil {
		t.Fatalf("a.Write: %v", err)
	}

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("b.Read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}

func TestSocketPreservesDatagramBoundaries(t *testing.T) {
	reg := NewRegistry()
	a := New(reg)
	b := New(reg)
	if err := a.Connect(b.LocalPort()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	a.Write([]byte("one"))
	a.Write([]byte("two"))

	buf := make([]byte, 16)
	n, _ := b.Read(buf)
	if string(buf[:n]) != "one" {
		t.Fatalf("first read = %q, want %q", buf[:n], "one")
	}
	n, _ = b.Read(buf)
	if string(buf[:n]) != "two" {
		t.Fatalf("second read = %q, want %q", buf[:n], "two")
	}
}

func TestSocketReadAfterCloseReturnsEOF(t *testing.T) {
	reg := NewRegistry()
	a := New(reg)
	a.Close()

	buf := make([]byte, 4)
	n, err := a.Read(buf)
	if n != 0 || err != nil {
		t.Fatalf("Read on closed socket = %d, %v; want 0, nil", n, err)
	}
}

func TestSocketWriteWithoutConnectFails(t *testing.T) {
	reg := NewRegistry()
	a := New(reg)
	if _, err := a.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing unconnected socket")
	}
}
