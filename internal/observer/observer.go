// Package observer provides ordered subscriber lists with idempotent
// subscribe and unsubscribe.
//
// A List is not safe for concurrent use. Owners mutate and notify it from the
// single goroutine that owns the component (see internal/eventloop).
package observer

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Subscription identifies a registered callback. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// List keeps callbacks in registration order.
type List[F any] struct {
	nextID uint64
	subs   *orderedmap.OrderedMap[uint64, F]
}

// NewList creates an empty subscriber list.
func NewList[F any]() *List[F] {
	return &List[F]{subs: orderedmap.New[uint64, F]()}
}

// Add registers fn and returns a handle that removes it again.
func (l *List[F]) Add(fn F) Subscription {
	l.nextID++
	id := l.nextID
	l.subs.Set(id, fn)
	return &subscription[F]{list: l, id: id}
}

// Each calls visit for every subscriber in registration order.
// Subscribers added or removed during the walk take effect on the next call.
func (l *List[F]) Each(visit func(F)) {
	snapshot := make([]F, 0, l.subs.Len())
	for pair := l.subs.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Value)
	}
	for _, fn := range snapshot {
		visit(fn)
	}
}

// Len returns the number of registered subscribers.
func (l *List[F]) Len() int {
	return l.subs.Len()
}

// Clear drops every subscriber. Outstanding Subscription handles become no-ops.
func (l *List[F]) Clear() {
	l.subs = orderedmap.New[uint64, F]()
}

func (l *List[F]) remove(id uint64) {
	l.subs.Delete(id)
}

type subscription[F any] struct {
	list     *List[F]
	id       uint64
	canceled bool
}

func (s *subscription[F]) Cancel() {
	if s.canceled {
		return
	}
	s.canceled = true
	s.list.remove(s.id)
}
