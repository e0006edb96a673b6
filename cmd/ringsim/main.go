package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	virtio "github.com/tinyvisor/virtio"
)

// Manifest describes one simulated queue and the request mix to play
// against it.
type Manifest struct {
	Queue struct {
		Size     uint16 `yaml:"size"`
		Legacy   bool   `yaml:"legacy"`
		EventIdx bool   `yaml:"event_idx"`
	} `yaml:"queue"`
	Transport string        `yaml:"transport"`
	Requests  []RequestSpec `yaml:"requests"`
}

// RequestSpec is one request shape: segment lengths the device reads and
// segment lengths the device fills, repeated count times.
type RequestSpec struct {
	Name     string   `yaml:"name"`
	Readable []uint32 `yaml:"readable"`
	Writable []uint32 `yaml:"writable"`
	Count    int      `yaml:"count"`
}

const (
	ramSize   = 16 << 20
	descAddr  = 0x1000
	availAddr = 0x2000
	usedAddr  = 0x3000
	bufBase   = 0x10000
)

// driver plays the guest side of the ring: it owns the descriptor table and
// available ring the way a guest driver would.
type driver struct {
	ram   *virtio.GuestRAM
	order virtio.ByteOrder
	size  uint16

	availIdx uint16
	nextBuf  uint64
	seenUsed uint16
}

func (d *driver) at(addr uint64, n int) []byte {
	return d.ram.Data[addr : addr+uint64(n)]
}

func (d *driver) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	b := d.at(descAddr+uint64(i)*16, 16)
	d.order.PutUint64(b[0:8], addr)
	d.order.PutUint32(b[8:12], length)
	d.order.PutUint16(b[12:14], flags)
	d.order.PutUint16(b[14:16], next)
}

func (d *driver) allocBuf(length uint32) uint64 {
	addr := bufBase + d.nextBuf
	d.nextBuf += uint64(length)
	if bufBase+d.nextBuf > ramSize {
		d.nextBuf = 0
		addr = bufBase
	}
	return addr
}

type segment struct {
	length uint32
	write  bool
}

// submit lays out one chain starting at descriptor firstDesc and queues its
// head. Returns the number of descriptors consumed.
func (d *driver) submit(firstDesc uint16, spec RequestSpec) uint16 {
	var segs []segment
	for _, n := range spec.Readable {
		segs = append(segs, segment{length: n})
	}
	for _, n := range spec.Writable {
		segs = append(segs, segment{length: n, write: true})
	}

	for i, seg := range segs {
		idx := firstDesc + uint16(i)
		var flags, next uint16
		if seg.write {
			flags |= virtio.DescFWrite
		}
		if i+1 < len(segs) {
			flags |= virtio.DescFNext
			next = idx + 1
		}
		d.writeDesc(idx, d.allocBuf(seg.length), seg.length, flags, next)
	}

	slot := d.availIdx % d.size
	d.order.PutUint16(d.at(availAddr+4+uint64(slot)*2, 2), firstDesc)
	d.availIdx++
	d.order.PutUint16(d.at(availAddr+2, 2), d.availIdx)
	return uint16(len(segs))
}

// consumeUsed acknowledges everything the device published and, when event
// idx is on, tells the device where the next interrupt is wanted.
func (d *driver) consumeUsed(eventIdx bool) int {
	usedIdx := d.order.Uint16(d.at(usedAddr+2, 2))
	consumed := int(usedIdx - d.seenUsed)
	d.seenUsed = usedIdx
	if eventIdx {
		d.order.PutUint16(d.at(availAddr+4+uint64(d.size)*2, 2), usedIdx)
	}
	return consumed
}

type countingSink struct{ n int }

func (s *countingSink) Signal() error { s.n++; return nil }

type countingSender struct{ n int }

func (s *countingSender) Signal(vector uint16) error { s.n++; return nil }

func run() error {
	configPath := flag.String("config", "ringsim.yaml", "path to the simulation manifest")
	override := flag.Int("requests", 0, "override the per-spec request count (0 keeps the manifest values)")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ringsim - play a synthetic guest driver against the virtio ring core

USAGE:
  ringsim [flags]

FLAGS:
  -config PATH   Simulation manifest (default: ringsim.yaml)
  -requests N    Override every spec's request count
  -v             Debug logging

The manifest describes one queue (size, byte order, event-idx negotiation),
the transport to bind, and a list of request shapes. ringsim submits the
requests the way a guest driver would, drains them through the device side,
and reports used-ring and interrupt statistics.
`)
	}
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if m.Queue.Size == 0 {
		m.Queue.Size = 256
	}

	ram := &virtio.GuestRAM{Data: make([]byte, ramSize)}
	q := virtio.NewQueue(ram, virtio.QueueConfig{
		MaxSize:  m.Queue.Size,
		Legacy:   m.Queue.Legacy,
		EventIdx: m.Queue.EventIdx,
	})
	if err := q.SetSize(m.Queue.Size); err != nil {
		return err
	}
	if err := q.Attach(descAddr, availAddr, usedAddr); err != nil {
		return err
	}

	dev := virtio.NewDevice(q)
	sink := &countingSink{}
	sender := &countingSender{}
	switch m.Transport {
	case "", "mmio":
		if err := virtio.Bind(dev, virtio.TransportMMIO, virtio.TransportConfig{IRQ: sink}); err != nil {
			return err
		}
	case "pci":
		if err := virtio.Bind(dev, virtio.TransportPCI, virtio.TransportConfig{Sender: sender}); err != nil {
			return err
		}
		if err := dev.Transport().(*virtio.PCITransport).SetQueueVector(0, 0); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport %q (want mmio or pci)", m.Transport)
	}
	defer dev.Close()

	drv := &driver{ram: ram, order: q.Order(), size: m.Queue.Size}

	for _, spec := range m.Requests {
		count := spec.Count
		if *override > 0 {
			count = *override
		}
		if count == 0 {
			count = 1
		}
		chainLen := len(spec.Readable) + len(spec.Writable)
		if chainLen == 0 || chainLen > int(m.Queue.Size) {
			return fmt.Errorf("spec %q: chain of %d descriptors does not fit queue size %d", spec.Name, chainLen, m.Queue.Size)
		}

		var bytesIn, bytesOut uint64
		submitted := 0
		for submitted < count {
			// Fill the descriptor table with as many chains as fit.
			batch := 0
			var nextDesc uint16
			for submitted+batch < count && int(nextDesc)+chainLen <= int(m.Queue.Size) {
				nextDesc += drv.submit(nextDesc, spec)
				batch++
			}

			processed, err := q.Process(func(c virtio.Chain) (uint32, error) {
				bytesIn += uint64(c.TotalReadable())
				var written uint32
				for _, b := range c.Writable {
					for i := range b.Data {
						b.Data[i] = 0xa5
					}
					written += uint32(len(b.Data))
				}
				bytesOut += uint64(written)
				return written, nil
			})
			if err != nil {
				return fmt.Errorf("spec %q: %w", spec.Name, err)
			}
			if processed {
				if err := dev.NotifyVQ(0); err != nil {
					return err
				}
			}

			if got := drv.consumeUsed(m.Queue.EventIdx); got != batch {
				return fmt.Errorf("spec %q: submitted %d, completed %d", spec.Name, batch, got)
			}
			submitted += batch
			slog.Debug("batch complete", "spec", spec.Name, "batch", batch, "total", submitted)
		}

		fmt.Printf("%-16s requests=%-6d in=%-10d out=%-10d interrupts=%d\n",
			spec.Name, submitted, bytesIn, bytesOut, sink.n+sender.n)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ringsim: %v\n", err)
		os.Exit(1)
	}
}
