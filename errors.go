package virtio

import "errors"

var (
	// ErrUnsupportedTransport is returned by Bind for an unknown transport kind.
	ErrUnsupportedTransport = errors.New("virtio: unsupported transport")

	// ErrOutOfResources is returned when a transport cannot acquire the
	// resources its signal path needs.
	ErrOutOfResources = errors.New("virtio: out of resources")

	// ErrQueueNotReady is returned for operations on a queue whose rings have
	// not been attached.
	ErrQueueNotReady = errors.New("virtio: queue not ready")

	// ErrBadDescriptor is returned when a guest-supplied descriptor index,
	// link, or indirect table fails validation. The queue remains usable;
	// only the offending chain is failed.
	ErrBadDescriptor = errors.New("virtio: bad descriptor")

	// ErrChainTooLong is returned when a descriptor chain exceeds the
	// queue-size fragment ceiling. Chains that loop through valid indices
	// hit this instead of stalling the walker.
	ErrChainTooLong = errors.New("virtio: descriptor chain too long")

	// ErrRingAlignment is returned at attach time when a ring base address
	// does not satisfy the alignment the fenced header accessors require.
	ErrRingAlignment = errors.New("virtio: misaligned ring address")
)
