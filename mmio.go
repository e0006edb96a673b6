package virtio

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// MMIO interrupt status bits, as read back through the transport's
// interrupt-status register.
const (
	// IntVRing is set when a queue has new used elements.
	IntVRing = 0x1
	// IntConfig is set when the device configuration changed.
	IntConfig = 0x2
)

// MMIOTransport signals the guest through a shared interrupt-status word and
// a single interrupt line. The register block that exposes the status word
// to the guest belongs to the embedding VMM; this type owns the status bits
// and the line level.
type MMIOTransport struct {
	line    LevelSink
	pulse   IRQSink
	newSink func() (IRQSink, error)

	// ownedSink is closed on Exit when the sink was acquired by Init.
	ownedSink io.Closer

	status atomic.Uint32
	high   atomic.Bool
}

func newMMIOTransport(cfg TransportConfig) *MMIOTransport {
	return &MMIOTransport{
		line:    cfg.Line,
		pulse:   cfg.IRQ,
		newSink: cfg.NewSink,
	}
}

// Init implements Transport. It acquires an interrupt sink through the
// configured factory when none was injected directly.
func (t *MMIOTransport) Init(dev *Device) error {
	if t.line != nil || t.pulse != nil {
		return nil
	}
	if t.newSink == nil {
		return fmt.Errorf("mmio transport: no interrupt sink configured")
	}
	sink, err := t.newSink()
	if err != nil {
		return err
	}
	t.pulse = sink
	if c, ok := sink.(io.Closer); ok {
		t.ownedSink = c
	}
	return nil
}

// Exit implements Transport.
func (t *MMIOTransport) Exit() error {
	if t.ownedSink != nil {
		err := t.ownedSink.Close()
		t.ownedSink = nil
		return err
	}
	return nil
}

// SignalVQ implements Transport.
func (t *MMIOTransport) SignalVQ(queue int) error {
	return t.raise(IntVRing)
}

// SignalConfig implements Transport.
func (t *MMIOTransport) SignalConfig() error {
	return t.raise(IntConfig)
}

// InterruptStatus returns the pending interrupt bits, the value the guest
// reads from the interrupt-status register.
func (t *MMIOTransport) InterruptStatus() uint32 {
	return t.status.Load()
}

// AckInterrupt clears the given status bits, dropping the line level once
// nothing remains pending. This is the interrupt-acknowledge register write.
func (t *MMIOTransport) AckInterrupt(mask uint32) error {
	t.status.And(^mask)
	return t.updateLine()
}

func (t *MMIOTransport) raise(bit uint32) error {
	t.status.Or(bit)
	return t.updateLine()
}

func (t *MMIOTransport) updateLine() error {
	level := t.status.Load() != 0
	// Only touch the line when the level actually changed, to avoid
	// spurious interrupts.
	prev := t.high.Swap(level)
	if prev == level {
		return nil
	}
	if t.line != nil {
		if err := t.line.SetLevel(level); err != nil {
			slog.Error("virtio-mmio: set irq level failed", "level", level, "err", err)
			return err
		}
		return nil
	}
	if level {
		if err := t.pulse.Signal(); err != nil {
			slog.Error("virtio-mmio: pulse irq failed", "err", err)
			return err
		}
	}
	return nil
}
