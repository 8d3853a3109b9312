// Package net implements the socket table. Sockets are bound to a local
// port and owned by the task that opened them; datagrams delivered to a
// bound port are queued on its socket.
package net

import (
	"io"

	"ringos/device"
	"ringos/kernel"
	"ringos/kernel/klog"
	"ringos/kernel/kfmt"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxSockets is the number of sockets that can be open at once.
	MaxSockets = 32

	// maxQueued is the number of datagrams buffered per socket.
	maxQueued = 16
)

var (
	// ErrNoSuchSocket is returned for socket ids that do not exist.
	ErrNoSuchSocket = &kernel.Error{Module: "net", Message: "no such socket"}

	// ErrNotOwner is returned when a task operates on a socket it does
	// not own.
	ErrNotOwner = &kernel.Error{Module: "net", Message: "socket is owned by another task"}

	// ErrPortInUse is returned when binding a port that already has a
	// socket.
	ErrPortInUse = &kernel.Error{Module: "net", Message: "port already in use"}

	// ErrTooManySockets is returned when the socket table is full.
	ErrTooManySockets = &kernel.Error{Module: "net", Message: "too many sockets"}

	errBadPort = &kernel.Error{Module: "net", Message: "invalid port"}
)

// Socket is a datagram endpoint bound to a local port.
type Socket struct {
	id    uint32
	owner uint32
	port  uint16
	queue [][]byte
}

// ID returns the socket id.
func (s *Socket) ID() uint32 { return s.id }

// Owner returns the id of the owning task.
func (s *Socket) Owner() uint32 { return s.owner }

// Port returns the bound port.
func (s *Socket) Port() uint16 { return s.port }

// Recv dequeues the oldest datagram. It returns false if none is queued.
func (s *Socket) Recv() ([]byte, bool) {
	if len(s.queue) == 0 {
		return nil, false
	}

	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, true
}

var (
	sockets [MaxSockets]*Socket
	nextID  uint32 = 1

	// dropped counts datagrams discarded because no socket was bound to
	// their port or its queue was full.
	dropped uint64
)

// Reset closes all sockets.
func Reset() {
	sockets = [MaxSockets]*Socket{}
	nextID = 1
	dropped = 0
}

// Open binds a socket to port on behalf of the task with the supplied id.
func Open(owner uint32, port uint16) (*Socket, *kernel.Error) {
	if port == 0 {
		return nil, errBadPort
	}

	free := -1
	for slot, s := range sockets {
		switch {
		case s == nil && free < 0:
			free = slot
		case s != nil && s.port == port:
			return nil, ErrPortInUse
		}
	}

	if free < 0 {
		return nil, ErrTooManySockets
	}

	s := &Socket{id: nextID, owner: owner, port: port}
	nextID++
	sockets[free] = s

	klog.For("net").WithFields(log.Fields{"id": s.id, "owner": owner, "port": port}).Debug("socket bound")
	return s, nil
}

// Lookup returns the socket with the given id or nil.
func Lookup(id uint32) *Socket {
	for _, s := range sockets {
		if s != nil && s.id == id {
			return s
		}
	}
	return nil
}

// Close releases a socket owned by the task with the supplied id.
func Close(owner, id uint32) *kernel.Error {
	for slot, s := range sockets {
		if s == nil || s.id != id {
			continue
		}

		if s.owner != owner {
			return ErrNotOwner
		}
		sockets[slot] = nil
		return nil
	}

	return ErrNoSuchSocket
}

// Deliver queues a datagram on the socket bound to port. It returns false
// if the datagram was dropped.
func Deliver(port uint16, data []byte) bool {
	for _, s := range sockets {
		if s == nil || s.port != port {
			continue
		}

		if len(s.queue) >= maxQueued {
			break
		}
		s.queue = append(s.queue, append([]byte(nil), data...))
		return true
	}

	dropped++
	return false
}

// Dropped returns the number of datagrams that could not be delivered.
func Dropped() uint64 {
	return dropped
}

// Count returns the number of open sockets.
func Count() int {
	var count int
	for _, s := range sockets {
		if s != nil {
			count++
		}
	}
	return count
}

// CloseAllOwnedBy closes every socket owned by the task with the supplied
// id and returns how many were closed.
func CloseAllOwnedBy(owner uint32) int {
	var closed int
	for slot, s := range sockets {
		if s != nil && s.owner == owner {
			sockets[slot] = nil
			closed++
		}
	}

	if closed != 0 {
		klog.For("net").WithFields(log.Fields{"owner": owner, "sockets": closed}).Debug("closed sockets of terminated task")
	}
	return closed
}

// loopback is the only network interface.
type loopback struct{}

// DriverName returns the name of this driver.
func (loopback) DriverName() string {
	return "loopback"
}

// DriverVersion returns the version of this driver.
func (loopback) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit clears the socket table.
func (loopback) DriverInit(w io.Writer) *kernel.Error {
	Reset()
	kfmt.Fprintf(w, "%d sockets ", MaxSockets)
	return nil
}

func probeForLoopback() device.Driver {
	return loopback{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: probeForLoopback,
	})
}
