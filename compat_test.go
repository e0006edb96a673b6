package virtio

import (
	"strings"
	"testing"
)

func TestCompatMessageText(t *testing.T) {
	title, desc := CompatMessage("virtio-net", "CONFIG_VIRTIO_NET")
	if title != "virtio-net device was not detected." {
		t.Fatalf("title = %q", title)
	}
	for _, want := range []string{
		"requested a virtio-net device",
		"guest kernel did not initialize it",
		"CONFIG_VIRTIO_NET=y",
	} {
		if !strings.Contains(desc, want) {
			t.Fatalf("description missing %q: %q", want, desc)
		}
	}
}

func TestCompatRegistry(t *testing.T) {
	var reg CompatRegistry

	id1 := reg.Add("a device was not detected.", "detail a")
	id2 := reg.Add("b device was not detected.", "detail b")
	if id1 == id2 {
		t.Fatalf("duplicate ids: %d, %d", id1, id2)
	}
	if got := reg.Report(); got != 2 {
		t.Fatalf("Report = %d", got)
	}

	reg.Remove(id1)
	if got := reg.Report(); got != 1 {
		t.Fatalf("Report after remove = %d", got)
	}

	// Unknown ids are a no-op.
	reg.Remove(12345)
	if got := reg.Report(); got != 1 {
		t.Fatalf("Report after bogus remove = %d", got)
	}
}
