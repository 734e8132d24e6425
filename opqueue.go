// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package meshcall

import (
	"sync"

	"github.com/gammazero/deque"
)

// opQueue runs operations one at a time in FIFO order. A worker goroutine
// exists only while there is work queued.
type opQueue struct {
	lock    sync.Mutex
	ops     deque.Deque[func()]
	running bool
	closed  bool

	onIdle func(q *opQueue)
}

func newOpQueue(onIdle func(q *opQueue)) *opQueue {
	return &opQueue{
		onIdle: onIdle,
	}
}

func (q *opQueue) Enqueue(op func()) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.ops.PushBack(op)
	if q.running {
		q.lock.Unlock()
		return true
	}
	q.running = true
	q.lock.Unlock()

	go q.worker()
	return true
}

// Close drops queued operations. The one currently running finishes.
func (q *opQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	q.ops.Clear()
}

// isIdle must be called with q.lock held.
func (q *opQueue) isIdle() bool {
	return !q.running && q.ops.Len() == 0
}

func (q *opQueue) worker() {
	for {
		q.lock.Lock()
		if q.ops.Len() == 0 {
			q.running = false
			q.lock.Unlock()
			if q.onIdle != nil {
				q.onIdle(q)
			}
			return
		}
		op := q.ops.PopFront()
		q.lock.Unlock()

		op()
	}
}
