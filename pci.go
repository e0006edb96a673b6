package virtio

import (
	"fmt"
	"log/slog"
)

// NoVector disables interrupt delivery for a queue or for config changes,
// the VIRTIO_MSI_NO_VECTOR value from the PCI transport spec.
const NoVector = 0xffff

// PCITransport signals the guest through per-queue message-signalled
// interrupt vectors plus a config-change vector. Vector-to-address mapping
// and the capability layout are the embedding VMM's concern; this type owns
// vector assignment, masking, and delivery.
//
// The transport is not internally synchronized; drive it from the same
// goroutine that processes the device's queues.
type PCITransport struct {
	sender  MSISender
	vectors int

	queueVector  []uint16
	configVector uint16

	masked  []bool
	pending []bool
}

func newPCITransport(cfg TransportConfig) *PCITransport {
	return &PCITransport{
		sender:  cfg.Sender,
		vectors: cfg.Vectors,
	}
}

// Init implements Transport.
func (t *PCITransport) Init(dev *Device) error {
	if t.sender == nil {
		return fmt.Errorf("pci transport: no MSI sender configured")
	}
	if t.vectors == 0 {
		t.vectors = len(dev.Queues) + 1
	}

	t.queueVector = make([]uint16, len(dev.Queues))
	for i := range t.queueVector {
		t.queueVector[i] = NoVector
	}
	t.configVector = NoVector
	t.masked = make([]bool, t.vectors)
	t.pending = make([]bool, t.vectors)
	return nil
}

// Exit implements Transport.
func (t *PCITransport) Exit() error { return nil }

// SetQueueVector assigns the interrupt vector for a queue. NoVector
// suppresses that queue's interrupts entirely.
func (t *PCITransport) SetQueueVector(queue int, vector uint16) error {
	if queue < 0 || queue >= len(t.queueVector) {
		return fmt.Errorf("queue index %d out of range", queue)
	}
	if err := t.checkVector(vector); err != nil {
		return err
	}
	t.queueVector[queue] = vector
	return nil
}

// SetConfigVector assigns the config-change interrupt vector.
func (t *PCITransport) SetConfigVector(vector uint16) error {
	if err := t.checkVector(vector); err != nil {
		return err
	}
	t.configVector = vector
	return nil
}

func (t *PCITransport) checkVector(vector uint16) error {
	if vector != NoVector && int(vector) >= t.vectors {
		return fmt.Errorf("vector %d out of range (table size %d)", vector, t.vectors)
	}
	return nil
}

// MaskVector masks or unmasks a vector. Unmasking delivers any interrupt
// that arrived while the vector was masked.
func (t *PCITransport) MaskVector(vector uint16, masked bool) error {
	if vector == NoVector {
		return nil
	}
	if err := t.checkVector(vector); err != nil {
		return err
	}
	t.masked[vector] = masked
	if !masked {
		return t.deliverPendingVector(vector)
	}
	return nil
}

// DeliverPending flushes interrupts that were latched while their vectors
// were masked.
func (t *PCITransport) DeliverPending() error {
	for v := range t.pending {
		if err := t.deliverPendingVector(uint16(v)); err != nil {
			return err
		}
	}
	return nil
}

func (t *PCITransport) deliverPendingVector(vector uint16) error {
	if !t.pending[vector] || t.masked[vector] {
		return nil
	}
	t.pending[vector] = false
	return t.sender.Signal(vector)
}

// SignalVQ implements Transport.
func (t *PCITransport) SignalVQ(queue int) error {
	if queue < 0 || queue >= len(t.queueVector) {
		return fmt.Errorf("queue index %d out of range", queue)
	}
	return t.deliver(t.queueVector[queue])
}

// SignalConfig implements Transport.
func (t *PCITransport) SignalConfig() error {
	return t.deliver(t.configVector)
}

func (t *PCITransport) deliver(vector uint16) error {
	if vector == NoVector {
		return nil
	}
	if int(vector) >= t.vectors {
		return fmt.Errorf("vector %d out of range (table size %d)", vector, t.vectors)
	}
	if t.masked[vector] {
		t.pending[vector] = true
		return nil
	}
	if err := t.sender.Signal(vector); err != nil {
		slog.Error("virtio-pci: signal vector failed", "vector", vector, "err", err)
		return err
	}
	return nil
}
