package rtcore

// taskQueue is an intrusive doubly-linked list of tasks addressed by arena
// Index, reused for the ready queue, the timed queue, and every
// synchronization primitive's blocked-waiter queue (spec.md §3 "links into
// three intrusive doubly-linked lists").
//
// linkAt selects which of a Task's three link fields this particular
// queue threads through, so the same Task can simultaneously sit on (at
// most) one of each kind without three separate list types.
type taskQueue struct {
	store *arena[Task]
	linkAt func(*Task) *link
	head, tail Index
	count int
}

func newTaskQueue(store *arena[Task], linkAt func(*Task) *link) *taskQueue {
	return &taskQueue{store: store, linkAt: linkAt, head: invalidIndex, tail: invalidIndex}
}

func (q *taskQueue) node(idx Index) *Task { return q.store.byIndex(idx) }

// Len returns the number of tasks currently on the queue.
func (q *taskQueue) Len() int { return q.count }

// Empty reports whether the queue has no entries.
func (q *taskQueue) Empty() bool { return q.count == 0 }

// Head returns the front of the queue, or invalidIndex if empty.
func (q *taskQueue) Head() Index { return q.head }

// InsertTail appends idx unconditionally, O(1) — used for FIFO-queue-type
// synchronization primitives (spec.md §4.E).
func (q *taskQueue) InsertTail(idx Index) {
	l := q.linkAt(q.node(idx))
	l.prev = q.tail
	l.next = invalidIndex
	if q.tail != invalidIndex {
		q.linkAt(q.node(q.tail)).next = idx
	} else {
		q.head = idx
	}
	q.tail = idx
	q.count++
}

// InsertOrdered inserts idx immediately before the first existing entry
// whose key is strictly greater than idx's key, appending to the tail if
// no such entry exists (spec.md §4.C "enqueue_ready(t) inserts t before
// the first peer of strictly higher numeric priority" and "enqueue_timed(t)
// inserts in ascending resume_time"). O(n); the design accepts this in
// exchange for O(1) removal and simple priority-class FIFO behavior for
// ties, since n stays small (spec.md §3 "Ready queue" rationale).
func (q *taskQueue) InsertOrdered(idx Index, key func(Index) int64) {
	target := key(idx)
	cursor := q.head
	for cursor != invalidIndex {
		if key(cursor) > target {
			break
		}
		cursor = q.linkAt(q.node(cursor)).next
	}
	if cursor == invalidIndex {
		q.InsertTail(idx)
		return
	}
	l := q.linkAt(q.node(idx))
	cl := q.linkAt(q.node(cursor))
	prev := cl.prev
	l.prev = prev
	l.next = cursor
	cl.prev = idx
	if prev != invalidIndex {
		q.linkAt(q.node(prev)).next = idx
	} else {
		q.head = idx
	}
	q.count++
}

// Remove detaches idx from the queue, O(1). idx must be a member: Remove
// does not check membership, and calling it for a non-member still
// decrements the queue's count.
func (q *taskQueue) Remove(idx Index) {
	l := q.linkAt(q.node(idx))
	prev, next := l.prev, l.next
	if prev != invalidIndex {
		q.linkAt(q.node(prev)).next = next
	} else if q.head == idx {
		q.head = next
	}
	if next != invalidIndex {
		q.linkAt(q.node(next)).prev = prev
	} else if q.tail == idx {
		q.tail = prev
	}
	l.prev, l.next = invalidIndex, invalidIndex
	q.count--
}

// PopHead removes and returns the head of the queue, or invalidIndex if
// empty.
func (q *taskQueue) PopHead() Index {
	h := q.head
	if h == invalidIndex {
		return invalidIndex
	}
	q.Remove(h)
	return h
}

// MoveToTailOfClass removes idx and reinserts it behind every peer sharing
// its priority class, implementing yield's "manual round-robin" (spec.md
// §4.C). keyOf reads the priority-class key (effective priority).
func (q *taskQueue) MoveToTailOfClass(idx Index, keyOf func(Index) int64) {
	q.Remove(idx)
	class := keyOf(idx)
	cursor := q.head
	for cursor != invalidIndex && keyOf(cursor) <= class {
		cursor = q.linkAt(q.node(cursor)).next
	}
	if cursor == invalidIndex {
		q.InsertTail(idx)
		return
	}
	l := q.linkAt(q.node(idx))
	cl := q.linkAt(q.node(cursor))
	prev := cl.prev
	l.prev = prev
	l.next = cursor
	cl.prev = idx
	if prev != invalidIndex {
		q.linkAt(q.node(prev)).next = idx
	} else {
		q.head = idx
	}
	q.count++
}

// Each walks the queue head-to-tail calling fn for every member. fn must
// not mutate this queue.
func (q *taskQueue) Each(fn func(Index)) {
	cursor := q.head
	for cursor != invalidIndex {
		next := q.linkAt(q.node(cursor)).next
		fn(cursor)
		cursor = next
	}
}

func readyLinkOf(t *Task) *link   { return &t.readyLink }
func timedLinkOf(t *Task) *link   { return &t.timedLink }
func blockedLinkOf(t *Task) *link { return &t.blockedLink }
