package main

import (
	"sync"

	"github.com/codebuildervaibhav/lecture-digest/internal/config"
)

// accessList is the allow-list shared between the HTTP handlers and the
// config watcher.
type accessList struct {
	mu  sync.RWMutex
	cfg config.AccessConfig
}

func newAccessList(cfg config.AccessConfig) *accessList {
	return &accessList{cfg: cfg}
}

func (a *accessList) set(cfg config.AccessConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *accessList) allowed(userID int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Allowed(userID)
}
