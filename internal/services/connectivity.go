package services

import (
	"sync"
)

// Connectivity tracks the online flag reported by the browser.
type Connectivity struct {
	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

func (c *Connectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// Set updates the flag and notifies listeners when it changed.
func (c *Connectivity) Set(online bool) bool {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return false
	}
	c.online = online
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers fn to run after every transition.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
