//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventfdSink is an IRQSink backed by an eventfd. The file descriptor can be
// registered with KVM as an irqfd so transport signals reach the guest
// without a host round trip through userspace interrupt emulation.
type EventfdSink struct {
	fd int
}

// NewEventfdSink allocates the eventfd.
func NewEventfdSink() (*EventfdSink, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%w: eventfd: %v", ErrOutOfResources, err)
	}
	return &EventfdSink{fd: fd}, nil
}

// Fd returns the underlying file descriptor for irqfd registration.
func (s *EventfdSink) Fd() int { return s.fd }

// Signal implements IRQSink by bumping the eventfd counter. A saturated
// counter means the consumer already has a wakeup pending, so EAGAIN is not
// an error.
func (s *EventfdSink) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventfd signal: %w", err)
	}
	return nil
}

// Close releases the eventfd.
func (s *EventfdSink) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
