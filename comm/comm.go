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

// Package comm is the point-to-point transport consumed by the scatter
// protocol: non-blocking sends and receives between the ranks of a
// cooperating group, plus wait-all completion.
//
// The Transport interface is deliberately MPI-shaped, so that
// implementations can be backed by an in-process group (provided here, one
// goroutine per rank), by sockets, or by a real MPI binding. All library
// code programs against Transport.
//
// Messages match on (source rank, tag) in FIFO order per pair. ISend is
// eager: the data is copied out before ISend returns, so the caller may
// reuse its buffer immediately.
package comm

// Request is the handle of an outstanding non-blocking operation.
type Request interface {
	// Wait blocks until the operation completes and returns its error.
	Wait() error
}

// Transport is one rank's view of the cooperating group.
type Transport interface {
	// Rank returns this participant's rank, 0 <= Rank() < Size().
	Rank() int
	// Size returns the number of participants.
	Size() int

	// ISend starts a non-blocking send of data to rank dst. The data is
	// copied out before ISend returns.
	ISend(dst, tag int, data []float64) Request
	// IRecv starts a non-blocking receive from rank src into buf. The
	// message length must equal len(buf); a mismatch surfaces on Wait.
	IRecv(src, tag int, buf []float64) Request
	// WaitAll waits for every request and returns the first error.
	WaitAll(reqs ...Request) error

	// NextTag returns a fresh message tag. Every rank must call NextTag
	// in the same collective order so that the tags agree group-wide;
	// the scatter engine allocates one tag per context at creation.
	NextTag() int
}
