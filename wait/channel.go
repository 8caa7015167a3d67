// Package wait models the xv6-style sleep_on_chan/wakeup_on_chan primitive
// as a condition variable keyed by an arbitrary, stable address. Every
// untimed suspension point in this module (log space, pipe full/empty)
// is built on top of a Channel.
package wait

import "sync"

// Channel is a broadcast-only condition variable. Unlike sync.Cond it owns
// no generation counter beyond what sync.Cond already provides; it exists
// so call sites read as "sleep on this channel" / "wake everyone on this
// channel" rather than bare Cond.Wait/Broadcast, the vocabulary a kernel
// scheduler's sleep/wakeup primitive uses.
type Channel struct {
	once sync.Once
	cond *sync.Cond
}

func (c *Channel) init(l sync.Locker) {
	c.once.Do(func() {
		c.cond = sync.NewCond(l)
	})
}

// Wait suspends the calling goroutine until Broadcast is called, releasing
// l while asleep and re-acquiring it before returning. l must already be
// held by the caller. The first caller to reach Wait or Broadcast on a
// given Channel fixes the lock it is associated with for that Channel's
// lifetime.
func (c *Channel) Wait(l sync.Locker) {
	c.init(l)
	c.cond.Wait()
}

// Broadcast wakes every goroutine suspended in Wait on this channel. The
// caller must hold the same lock that waiters are blocked with.
func (c *Channel) Broadcast(l sync.Locker) {
	c.init(l)
	c.cond.Broadcast()
}
