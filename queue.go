package drtp

import "container/list"

// segmentQueue keeps the sender's outstanding segments in transmission
// order. Access is single-goroutine; the GBN event loop owns it.
type segmentQueue struct {
	list list.List
}

func newSegmentQueue() *segmentQueue {
	return &segmentQueue{}
}

func (q *segmentQueue) Enqueue(seg *segment) {
	q.list.PushBack(seg)
}

func (q *segmentQueue) Dequeue() *segment {
	if q.IsEmpty() {
		return nil
	}
	elem := q.list.Front()
	q.list.Remove(elem)
	return elem.Value.(*segment)
}

func (q *segmentQueue) Peek() *segment {
	if q.IsEmpty() {
		return nil
	}
	return q.list.Front().Value.(*segment)
}

func (q *segmentQueue) Len() int {
	return q.list.Len()
}

func (q *segmentQueue) IsEmpty() bool {
	return q.list.Len() == 0
}

// Each calls f for every queued segment from oldest to newest.
func (q *segmentQueue) Each(f func(seg *segment)) {
	for elem := q.list.Front(); elem != nil; elem = elem.Next() {
		f(elem.Value.(*segment))
	}
}
