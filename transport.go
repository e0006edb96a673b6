package virtio

import "fmt"

// TransportKind selects the register-access mechanism a device is bound to.
type TransportKind int

const (
	// TransportPCI is the PCI configuration-space transport.
	TransportPCI TransportKind = iota
	// TransportMMIO is the memory-mapped transport.
	TransportMMIO
)

// String returns the transport's conventional short name.
func (k TransportKind) String() string {
	switch k {
	case TransportPCI:
		return "pci"
	case TransportMMIO:
		return "mmio"
	default:
		return "unknown"
	}
}

// IRQSink delivers an edge-triggered interrupt event to the guest. An
// eventfd wired to a KVM irqfd is the canonical implementation.
type IRQSink interface {
	Signal() error
}

// IRQSinkFunc adapts a function to the IRQSink interface.
type IRQSinkFunc func() error

// Signal implements IRQSink.
func (f IRQSinkFunc) Signal() error { return f() }

// LevelSink drives a level-triggered interrupt line.
type LevelSink interface {
	SetLevel(high bool) error
}

// MSISender delivers a message-signalled interrupt for a vector.
type MSISender interface {
	Signal(vector uint16) error
}

// Transport is the operations table bound into a device at creation time.
// It is installed exactly once and never mutated afterwards; the ring logic
// above it stays transport-agnostic.
type Transport interface {
	// Init completes transport-specific setup. A failure leaves the device
	// unbound with no partial state.
	Init(dev *Device) error
	// Exit releases anything Init acquired.
	Exit() error
	// SignalVQ notifies the guest that a queue has new used elements.
	SignalVQ(queue int) error
	// SignalConfig notifies the guest of a configuration-space change.
	SignalConfig() error
}

// TransportConfig carries everything a transport variant needs at bind time.
type TransportConfig struct {
	// DeviceID, SubsysID and Class identify the device on its bus.
	DeviceID int
	SubsysID int
	Class    int

	// Line, if set, is the level-triggered interrupt line an MMIO transport
	// asserts and deasserts.
	Line LevelSink
	// IRQ, if set, is an edge-triggered sink used when no line is wired.
	IRQ IRQSink
	// NewSink, if set, is invoked during Init to acquire an interrupt sink
	// when neither Line nor IRQ was provided. Its error aborts the bind.
	NewSink func() (IRQSink, error)

	// Sender delivers message-signalled interrupts for the PCI transport.
	Sender MSISender
	// Vectors is the PCI vector table size; zero means one per queue plus
	// the config vector.
	Vectors int
}

// Device is the transport-agnostic handle for one virtio device instance:
// its queues plus the operations table installed by Bind. Created once at
// attach time, closed once at teardown.
type Device struct {
	Queues []*Queue

	kind      TransportKind
	transport Transport
	closed    bool
}

// NewDevice returns a device handle over the given queues. The device is
// not usable for notifications until Bind installs a transport.
func NewDevice(queues ...*Queue) *Device {
	return &Device{Queues: queues}
}

// Kind returns the bound transport kind.
func (d *Device) Kind() TransportKind { return d.kind }

// Transport returns the bound operations table, or nil before Bind.
func (d *Device) Transport() Transport { return d.transport }

// Bind allocates the transport variant for kind, runs its Init, and installs
// it into the device. An unknown kind fails with ErrUnsupportedTransport; a
// variant Init failure is propagated and the device is left exactly as it
// was, with no transport installed.
func Bind(d *Device, kind TransportKind, cfg TransportConfig) error {
	if d.transport != nil {
		return fmt.Errorf("device already bound to %s transport", d.kind)
	}

	var t Transport
	switch kind {
	case TransportPCI:
		t = newPCITransport(cfg)
	case TransportMMIO:
		t = newMMIOTransport(cfg)
	default:
		return fmt.Errorf("%w: kind %d", ErrUnsupportedTransport, kind)
	}

	if err := t.Init(d); err != nil {
		return fmt.Errorf("init %s transport: %w", kind, err)
	}

	d.transport = t
	d.kind = kind
	return nil
}

func (d *Device) requireTransport() (Transport, error) {
	if d.transport == nil {
		return nil, fmt.Errorf("device has no transport bound")
	}
	return d.transport, nil
}

// NotifyVQ consults the queue's notification suppressor and, when the guest
// asked for it, delivers the queue interrupt through the transport. Call it
// once per publish batch.
func (d *Device) NotifyVQ(queue int) error {
	t, err := d.requireTransport()
	if err != nil {
		return err
	}
	if queue < 0 || queue >= len(d.Queues) {
		return fmt.Errorf("queue index %d out of range", queue)
	}
	if !d.Queues[queue].ShouldSignal() {
		return nil
	}
	return t.SignalVQ(queue)
}

// NotifyConfig delivers a configuration-change interrupt.
func (d *Device) NotifyConfig() error {
	t, err := d.requireTransport()
	if err != nil {
		return err
	}
	return t.SignalConfig()
}

// Close tears down the transport. It is safe to call more than once.
func (d *Device) Close() error {
	if d.transport == nil || d.closed {
		return nil
	}
	d.closed = true
	return d.transport.Exit()
}
