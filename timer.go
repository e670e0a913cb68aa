package linefsm

import (
	"fmt"
	"log/slog"
	"time"
)

// timerEntry tracks a running timer
type timerEntry struct {
	timer      *time.Timer
	target     *Transition
	scope      TimerScope
	ownerState StateID
	logger     *slog.Logger
}

func timeoutTimerName(id StateID) string {
	return "_timeout_" + string(id)
}

// StartTimer starts a named timer scoped to the current state. When it fires
// the pending read is cancelled and the dispatch loop adopts target. If a
// timer with the same name exists, it is reset. A nil target is rejected
// with ErrNoTimerTarget.
func (c *Context) StartTimer(name string, duration time.Duration, target *Transition) error {
	return c.startTimer(name, duration, target, TimerScopeState, c.State)
}

// StartTimerGlobal starts a timer that won't be auto-cancelled on leave
func (c *Context) StartTimerGlobal(name string, duration time.Duration, target *Transition) error {
	return c.startTimer(name, duration, target, TimerScopeGlobal, "")
}

func (c *Context) startTimer(name string, duration time.Duration, target *Transition, scope TimerScope, owner StateID) error {
	if target == nil {
		return fmt.Errorf("timer %q: %w", name, ErrNoTimerTarget)
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timers == nil {
		c.timers = make(map[string]*timerEntry)
	}

	// Cancel existing timer with same name
	if existing, ok := c.timers[name]; ok {
		existing.timer.Stop()
		delete(c.timers, name)
	}

	entry := &timerEntry{
		target:     target,
		scope:      scope,
		ownerState: owner,
		logger:     c.logger(),
	}
	entry.timer = time.AfterFunc(duration, func() { c.fire(name, entry) })
	c.timers[name] = entry

	c.logger().Debug("timer started", "name", name, "duration", duration, "target", target.Target)
	return nil
}

// fire runs on the timer goroutine
func (c *Context) fire(name string, entry *timerEntry) {
	c.timerMu.Lock()
	// Check timer still exists (wasn't cancelled or replaced)
	if c.timers[name] != entry {
		c.timerMu.Unlock()
		return
	}
	delete(c.timers, name)
	if c.fired == nil {
		c.fired = entry.target
	}
	cancel := c.readCancel
	c.timerMu.Unlock()

	entry.logger.Debug("timer fired", "name", name, "target", entry.target.Target)

	if cancel != nil {
		cancel()
	}
}

// takeFired returns and clears the transition of a fired timer
func (c *Context) takeFired() *Transition {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	t := c.fired
	c.fired = nil
	return t
}

// StopTimer stops a timer by name. No-op if timer doesn't exist.
func (c *Context) StopTimer(name string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if entry, ok := c.timers[name]; ok {
		entry.timer.Stop()
		delete(c.timers, name)
		c.logger().Debug("timer stopped", "name", name)
	}
}

// StopAllTimers stops all running timers and drops a fired but unconsumed
// timer transition
func (c *Context) StopAllTimers() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	for name, entry := range c.timers {
		entry.timer.Stop()
		c.logger().Debug("timer stopped (cleanup)", "name", name)
	}
	c.timers = nil
	c.fired = nil
}

// TimerActive checks if a timer is running
func (c *Context) TimerActive(name string) bool {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	_, ok := c.timers[name]
	return ok
}

// ResetTimer restarts a timer with a new duration, keeping its target
func (c *Context) ResetTimer(name string, duration time.Duration) {
	c.timerMu.Lock()
	entry, ok := c.timers[name]
	if !ok {
		c.timerMu.Unlock()
		return
	}
	target := entry.target
	scope := entry.scope
	owner := entry.ownerState
	entry.timer.Stop()
	delete(c.timers, name)
	c.timerMu.Unlock()

	_ = c.startTimer(name, duration, target, scope, owner)
}

// cleanupTimersForState cancels all state-scoped timers owned by the given
// state, along with a fired transition nobody consumed
func (c *Context) cleanupTimersForState(id StateID) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	for name, entry := range c.timers {
		if entry.scope == TimerScopeState && entry.ownerState == id {
			entry.timer.Stop()
			delete(c.timers, name)
			c.logger().Debug("timer cleaned up (state exit)", "name", name, "state", id)
		}
	}
	c.fired = nil
}
