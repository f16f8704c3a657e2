package accel

import "sync"

// HostDevice is an in-memory Device: buffers live on the host heap. It is
// the reference implementation used in tests and as a CPU fallback when no
// accelerator is configured but callers want the cached-index code path.
type HostDevice struct {
	mu     sync.Mutex
	nAlloc int // live buffer count, for leak checks in tests.
}

var _ Device = (*HostDevice)(nil)

type hostBuffer struct {
	indices []int32
}

// Name implements Device.
func (*HostDevice) Name() string { return "host" }

// UploadIndices implements Device by copying the indices to a host buffer.
func (d *HostDevice) UploadIndices(indices []int32) (Buffer, error) {
	d.mu.Lock()
	d.nAlloc++
	d.mu.Unlock()
	return &hostBuffer{indices: append([]int32(nil), indices...)}, nil
}

// Free implements Device.
func (d *HostDevice) Free(buf Buffer) error {
	d.mu.Lock()
	d.nAlloc--
	d.mu.Unlock()
	buf.(*hostBuffer).indices = nil
	return nil
}

// Live returns the number of live buffers, used by tests to check that
// every upload was released.
func (d *HostDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nAlloc
}

// Indices exposes a host buffer's contents, for tests.
func (d *HostDevice) Indices(buf Buffer) []int32 {
	return buf.(*hostBuffer).indices
}
