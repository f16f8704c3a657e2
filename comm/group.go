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

package comm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Group is an in-process cooperating group: every rank lives in the same
// process, one goroutine per rank. It is the reference Transport used by
// the tests and by callers embedding all partitions in one binary.
type Group struct {
	id      string
	members []*Member
}

// NewGroup creates an in-process group with size ranks.
func NewGroup(size int) *Group {
	g := &Group{
		id:      uuid.NewString(),
		members: make([]*Member, size),
	}
	for r := range g.members {
		g.members[r] = &Member{
			group:   g,
			rank:    r,
			pending: make(map[pairKey][]message),
			waiting: make(map[pairKey][]*recvRequest),
		}
	}
	klog.V(1).Infof("comm: new in-process group %s with %d ranks", g.id, size)
	return g
}

// ID returns the group's unique identifier, used for log correlation.
func (g *Group) ID() string { return g.id }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return len(g.members) }

// Member returns rank's Transport.
func (g *Group) Member(rank int) *Member { return g.members[rank] }

// Run executes fn once per rank, each on its own goroutine, and waits for
// all of them. The first error fails the whole group: a peer's failure is
// fatal to the cooperating computation, there is no partial recovery.
func (g *Group) Run(fn func(t Transport) error) error {
	var eg errgroup.Group
	for _, m := range g.members {
		m := m
		eg.Go(func() error {
			if err := fn(m); err != nil {
				return errors.WithMessagef(err, "group %s rank %d", g.id, m.rank)
			}
			return nil
		})
	}
	return eg.Wait()
}

// pairKey matches messages to receivers.
type pairKey struct {
	src, tag int
}

type message struct {
	data []float64
}

// Member is one rank's endpoint in an in-process Group. It implements
// Transport.
//
// Delivery is rendezvous-free: ISend copies the payload and hands it to the
// destination's mailbox under the destination's lock, so per (src, dst, tag)
// ordering follows the sender's program order.
type Member struct {
	group *Group
	rank  int

	nextTag int // collective-order tag allocator, see Transport.NextTag.

	mu      sync.Mutex
	pending map[pairKey][]message       // arrived, not yet claimed, FIFO
	waiting map[pairKey][]*recvRequest  // posted receives, FIFO
}

var _ Transport = (*Member)(nil)

// Rank implements Transport.
func (m *Member) Rank() int { return m.rank }

// Size implements Transport.
func (m *Member) Size() int { return len(m.group.members) }

// NextTag implements Transport.
func (m *Member) NextTag() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTag++
	return m.nextTag
}

// ISend implements Transport. The returned request is already complete.
func (m *Member) ISend(dst, tag int, data []float64) Request {
	payload := append([]float64(nil), data...)
	peer := m.group.members[dst]
	key := pairKey{src: m.rank, tag: tag}

	peer.mu.Lock()
	if ws := peer.waiting[key]; len(ws) > 0 {
		w := ws[0]
		peer.waiting[key] = ws[1:]
		peer.mu.Unlock()
		w.deliver(payload)
		return completedRequest{}
	}
	peer.pending[key] = append(peer.pending[key], message{data: payload})
	peer.mu.Unlock()
	return completedRequest{}
}

// IRecv implements Transport.
func (m *Member) IRecv(src, tag int, buf []float64) Request {
	key := pairKey{src: src, tag: tag}
	req := &recvRequest{buf: buf, done: make(chan error, 1)}

	m.mu.Lock()
	if msgs := m.pending[key]; len(msgs) > 0 {
		msg := msgs[0]
		if len(msgs) == 1 {
			delete(m.pending, key)
		} else {
			m.pending[key] = msgs[1:]
		}
		m.mu.Unlock()
		req.deliver(msg.data)
		return req
	}
	m.waiting[key] = append(m.waiting[key], req)
	m.mu.Unlock()
	return req
}

// WaitAll implements Transport.
func (m *Member) WaitAll(reqs ...Request) error {
	var firstErr error
	for _, r := range reqs {
		if err := r.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type completedRequest struct{}

func (completedRequest) Wait() error { return nil }

type recvRequest struct {
	buf  []float64
	done chan error
}

func (r *recvRequest) deliver(payload []float64) {
	if len(payload) != len(r.buf) {
		r.done <- errors.Errorf("message length %d does not match receive buffer length %d", len(payload), len(r.buf))
		return
	}
	copy(r.buf, payload)
	r.done <- nil
}

func (r *recvRequest) Wait() error { return <-r.done }
