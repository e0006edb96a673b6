package virtio

import (
	"fmt"
	"log/slog"
	"sync"
)

// CompatRegistry collects operator-facing warnings about devices the guest
// kernel never initialized. Messages stay registered until the device's
// driver shows up (Remove) or the operator is told (Report).
type CompatRegistry struct {
	mu     sync.Mutex
	nextID int
	msgs   map[int]compatMessage
}

type compatMessage struct {
	title string
	desc  string
}

// Add registers a warning and returns its id for later removal.
func (r *CompatRegistry) Add(title, desc string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = make(map[int]compatMessage)
	}
	r.nextID++
	r.msgs[r.nextID] = compatMessage{title: title, desc: desc}
	return r.nextID
}

// Remove withdraws a warning, typically because the guest driver finally
// touched the device. Unknown ids are ignored.
func (r *CompatRegistry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgs, id)
}

// Report logs every outstanding warning and returns how many there were.
func (r *CompatRegistry) Report() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		slog.Warn(m.title, "detail", m.desc)
	}
	return len(r.msgs)
}

// DefaultCompat is the process-wide registry device models register with.
var DefaultCompat CompatRegistry

// CompatMessage composes the standard warning for a virtio device the guest
// driver never initialized. device is the human name ("virtio-net"), option
// the kernel config switch the guest needs ("CONFIG_VIRTIO_NET").
func CompatMessage(device, option string) (title, desc string) {
	title = fmt.Sprintf("%s device was not detected.", device)
	desc = fmt.Sprintf("While you have requested a %s device, "+
		"the guest kernel did not initialize it. "+
		"Please make sure that the guest kernel was "+
		"compiled with %s=y enabled in its .config.",
		device, option)
	return title, desc
}

// AddCompatMessage registers the standard warning with DefaultCompat.
func AddCompatMessage(device, option string) int {
	title, desc := CompatMessage(device, option)
	return DefaultCompat.Add(title, desc)
}
