package net

import (
	"bytes"
	"testing"
)

func TestOpenClose(t *testing.T) {
	Reset()
	defer Reset()

	if _, err := Open(1, 0); err != errBadPort {
		t.Fatalf("expected errBadPort; got %v", err)
	}

	s, err := Open(1, 7)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = Open(2, 7); err != ErrPortInUse {
		t.Fatalf("expected ErrPortInUse; got %v", err)
	}

	if Lookup(s.ID()) != s || s.Owner() != 1 || s.Port() != 7 {
		t.Fatal("expected the socket to be registered")
	}

	if err = Close(2, s.ID()); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner; got %v", err)
	}

	if err = Close(1, s.ID()); err != nil {
		t.Fatal(err)
	}

	if err = Close(1, s.ID()); err != ErrNoSuchSocket {
		t.Fatalf("expected ErrNoSuchSocket; got %v", err)
	}

	for port := uint16(1); port <= MaxSockets; port++ {
		if _, err = Open(3, port); err != nil {
			t.Fatal(err)
		}
	}
	if _, err = Open(3, 1000); err != ErrTooManySockets {
		t.Fatalf("expected ErrTooManySockets; got %v", err)
	}
}

func TestDeliver(t *testing.T) {
	Reset()
	defer Reset()

	s, _ := Open(1, 53)
	if !Deliver(53, []byte("query")) {
		t.Fatal("expected the datagram to be delivered")
	}

	if Deliver(54, []byte("lost")) || Dropped() != 1 {
		t.Fatal("expected datagrams to unbound ports to be dropped")
	}

	data, ok := s.Recv()
	if !ok || !bytes.Equal(data, []byte("query")) {
		t.Fatalf("expected to receive the datagram; got %q", data)
	}

	if _, ok = s.Recv(); ok {
		t.Fatal("expected the queue to be empty")
	}

	for i := 0; i < maxQueued; i++ {
		Deliver(53, []byte{byte(i)})
	}
	if Deliver(53, []byte("overflow")) || Dropped() != 2 {
		t.Fatal("expected datagrams to be dropped once the queue is full")
	}
}

func TestCloseAllOwnedBy(t *testing.T) {
	Reset()
	defer Reset()

	Open(1, 10)
	Open(1, 11)
	other, _ := Open(2, 12)

	if got := CloseAllOwnedBy(1); got != 2 {
		t.Fatalf("expected 2 sockets to be closed; got %d", got)
	}

	if Count() != 1 || Lookup(other.ID()) != other {
		t.Fatal("expected only the sockets of task 1 to be closed")
	}

	// The ports are free again.
	if _, err := Open(3, 10); err != nil {
		t.Fatal(err)
	}
}
