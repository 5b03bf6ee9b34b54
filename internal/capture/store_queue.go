// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import "context"

type storeOp struct {
	work func(ctx context.Context) error
	done func(error)
}

// storeQueue runs store operations one at a time, in order, off the
// reactor, so an older snapshot never lands after a newer one.
type storeQueue struct {
	m    *Machine
	busy bool
	ops  []storeOp
}

func (q *storeQueue) push(work func(ctx context.Context) error, done func(error)) {
	q.ops = append(q.ops, storeOp{work: work, done: done})
	if !q.busy {
		q.next()
	}
}

func (q *storeQueue) next() {
	if len(q.ops) == 0 {
		q.busy = false
		return
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	q.busy = true
	q.m.io(func(ctx context.Context) func() {
		err := op.work(ctx)
		return func() {
			if op.done != nil {
				op.done(err)
			}
			q.next()
		}
	})
}
