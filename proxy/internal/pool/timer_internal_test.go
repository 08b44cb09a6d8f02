package pool

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestTimerQueueOrder(t *testing.T) {
	c := qt.New(t)

	var q timerQueue
	var fired []int
	now := time.Now()

	q.schedule(now.Add(3*time.Second), func() { fired = append(fired, 3) })
	q.schedule(now.Add(1*time.Second), func() { fired = append(fired, 1) })
	q.schedule(now.Add(2*time.Second), func() { fired = append(fired, 2) })

	at, ok := q.next()
	c.Assert(ok, qt.IsTrue)
	c.Assert(at, qt.Equals, now.Add(1*time.Second))

	q.runExpired(now.Add(2500 * time.Millisecond))
	c.Assert(fired, qt.DeepEquals, []int{1, 2})

	q.runExpired(now.Add(10 * time.Second))
	c.Assert(fired, qt.DeepEquals, []int{1, 2, 3})

	_, ok = q.next()
	c.Assert(ok, qt.IsFalse)
}

func TestTimerQueueCancel(t *testing.T) {
	c := qt.New(t)

	var q timerQueue
	fired := false
	now := time.Now()

	it := q.schedule(now.Add(time.Second), func() { fired = true })
	it.Cancel()

	q.runExpired(now.Add(2 * time.Second))
	c.Assert(fired, qt.IsFalse)

	_, ok := q.next()
	c.Assert(ok, qt.IsFalse)
}
