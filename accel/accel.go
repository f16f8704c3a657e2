/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package accel prepares index buffers for accelerator-resident scatters.
//
// When a distributed context runs its data movement on a device, the
// per-call cost of rebuilding transfer metadata dominates. An IndexCache is
// built once -- deduplicated, sorted, block-expanded copies of the send and
// receive index lists, uploaded to the device -- and reused across repeated
// scatters. It introduces no new correctness requirements: same logical
// transfer, different execution substrate.
package accel

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is an opaque device-resident index buffer.
type Buffer any

// Device is the device-side transfer mechanism the cache hands its buffers
// to. It is a deliberately small sub-interface of what a real accelerator
// backend offers, in the spirit of a backend data interface: upload and
// free, nothing else.
type Device interface {
	// Name identifies the device, for logs.
	Name() string
	// UploadIndices transfers an index buffer to the device.
	UploadIndices(indices []int32) (Buffer, error)
	// Free releases a buffer previously returned by UploadIndices.
	Free(buf Buffer) error
}

// IndexCache holds the device-resident send and receive index buffers of
// one scatter context. It is tied 1:1 to its context: built lazily on first
// use, invalidated on remap, released on destruction.
type IndexCache struct {
	device Device

	// SendCount and RecvCount are the lengths (in scalars, block expansion
	// applied) of the uploaded buffers.
	SendCount, RecvCount int

	send, recv Buffer
}

// expand sorts, deduplicates and block-expands a list of block indices into
// the scalar sub-indices the device consumes.
func expand(indices []int, bs int) []int32 {
	sorted := append([]int(nil), indices...)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	out := make([]int32, 0, len(sorted)*bs)
	for _, idx := range sorted {
		for k := 0; k < bs; k++ {
			out = append(out, int32(idx*bs+k))
		}
	}
	return out
}

// Build constructs the cache from the raw send and receive block-index
// lists of a context and uploads both buffers to dev.
func Build(dev Device, sendIndices, recvIndices []int, bs int) (*IndexCache, error) {
	if bs < 1 {
		return nil, errors.Errorf("block size must be >= 1, got %d", bs)
	}
	sendExp := expand(sendIndices, bs)
	recvExp := expand(recvIndices, bs)

	sendBuf, err := dev.UploadIndices(sendExp)
	if err != nil {
		return nil, errors.WithMessagef(err, "uploading %d send indices to %s", len(sendExp), dev.Name())
	}
	recvBuf, err := dev.UploadIndices(recvExp)
	if err != nil {
		_ = dev.Free(sendBuf)
		return nil, errors.WithMessagef(err, "uploading %d recv indices to %s", len(recvExp), dev.Name())
	}
	klog.V(2).Infof("accel: built index cache on %s (%d send, %d recv scalars)", dev.Name(), len(sendExp), len(recvExp))
	return &IndexCache{
		device:    dev,
		SendCount: len(sendExp),
		RecvCount: len(recvExp),
		send:      sendBuf,
		recv:      recvBuf,
	}, nil
}

// Send returns the device-resident send index buffer.
func (c *IndexCache) Send() Buffer { return c.send }

// Recv returns the device-resident receive index buffer.
func (c *IndexCache) Recv() Buffer { return c.recv }

// Release frees both device buffers. Safe to call more than once.
func (c *IndexCache) Release() error {
	var firstErr error
	if c.send != nil {
		if err := c.device.Free(c.send); err != nil {
			firstErr = err
			klog.Warningf("accel: failed to free send index buffer on %s: %v", c.device.Name(), err)
		}
		c.send = nil
	}
	if c.recv != nil {
		if err := c.device.Free(c.recv); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			klog.Warningf("accel: failed to free recv index buffer on %s: %v", c.device.Name(), err)
		}
		c.recv = nil
	}
	return firstErr
}
