// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides sync.Mutex and sync.RWMutex compatible locks
// with hold-time tracking.
//
// If tracking is enabled (TrackedLock.LockHoldTimeLimit config setting is
// non-zero) then when a lock is unlocked after being held longer than the
// limit a warning is logged with the goroutine ID of the holder. The
// RWMutexTrack type can also be used to track other RWMutex-like
// synchronization primitives, like dlm.RWLockStruct.
//
// trackedlock locks can be locked before this package is initialized, but
// they are not tracked until the first Lock() after initialization.
package trackedlock

import (
	"sync"
	"time"

	"github.com/marblefs/marblefs/logger"
	"github.com/marblefs/marblefs/utils"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      MutexTrack
}

// RWMutex wraps sync.RWMutex to add tracking of lock hold time.
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	rwTracker      RWMutexTrack
}

// MutexTrack holds tracking information for an exclusive lock.
type MutexTrack struct {
	lockedAt time.Time
	holderID uint64
}

// RWMutexTrack holds tracking information for a shared/exclusive lock.
//
// Shared holds are tracked in aggregate only; the warning on a long shared
// hold names the goroutine that released last.
type RWMutexTrack struct {
	exclusive MutexTrack
	sharedMu  sync.Mutex
	sharedAt  map[uint64]time.Time
}

//
// Tracked Mutex API
//

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()
	m.tracker.lockTrack()
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack("trackedlock.Mutex")
	m.wrappedMutex.Unlock()
}

//
// Tracked RWMutex API
//

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()
	m.rwTracker.LockTrack()
}

func (m *RWMutex) Unlock() {
	m.rwTracker.UnlockTrack()
	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()
	m.rwTracker.RLockTrack()
}

func (m *RWMutex) RUnlock() {
	m.rwTracker.RUnlockTrack()
	m.wrappedRWMutex.RUnlock()
}

//
// MutexTrack / RWMutexTrack internals, also used by package dlm to track its
// own locks across the drop/reacquire pattern.
//

func (mt *MutexTrack) lockTrack() {
	if !trackingEnabled() {
		return
	}
	mt.lockedAt = time.Now()
	mt.holderID = utils.GetGID()
}

func (mt *MutexTrack) unlockTrack(name string) {
	if !trackingEnabled() || mt.lockedAt.IsZero() {
		return
	}
	held := time.Since(mt.lockedAt)
	if held > holdTimeLimit() {
		logger.Warnf("%s held for %v by goroutine %d (limit %v)",
			name, held, mt.holderID, holdTimeLimit())
	}
	mt.lockedAt = time.Time{}
	mt.holderID = 0
}

// LockTrack records acquisition of the tracked lock in exclusive mode.
func (rwmt *RWMutexTrack) LockTrack() {
	rwmt.exclusive.lockTrack()
}

// UnlockTrack records release of the tracked lock from exclusive mode.
func (rwmt *RWMutexTrack) UnlockTrack() {
	rwmt.exclusive.unlockTrack("trackedlock.RWMutex")
}

// RLockTrack records acquisition of the tracked lock in shared mode by the
// calling goroutine.
func (rwmt *RWMutexTrack) RLockTrack() {
	if !trackingEnabled() {
		return
	}
	gid := utils.GetGID()
	rwmt.sharedMu.Lock()
	if rwmt.sharedAt == nil {
		rwmt.sharedAt = make(map[uint64]time.Time)
	}
	rwmt.sharedAt[gid] = time.Now()
	rwmt.sharedMu.Unlock()
}

// RUnlockTrack records release of the tracked lock from shared mode by the
// calling goroutine.
func (rwmt *RWMutexTrack) RUnlockTrack() {
	if !trackingEnabled() {
		return
	}
	gid := utils.GetGID()
	rwmt.sharedMu.Lock()
	lockedAt, ok := rwmt.sharedAt[gid]
	delete(rwmt.sharedAt, gid)
	rwmt.sharedMu.Unlock()
	if !ok {
		return
	}
	held := time.Since(lockedAt)
	if held > holdTimeLimit() {
		logger.Warnf("trackedlock.RWMutex held shared for %v by goroutine %d (limit %v)",
			held, gid, holdTimeLimit())
	}
}

// DLMUnlockTrack records release of a dlm-style tracked lock regardless of
// which mode it was held in. The caller does not know (or care) whether the
// releasing goroutine matches the acquiring one, so exclusive tracking is
// cleared unconditionally.
func (rwmt *RWMutexTrack) DLMUnlockTrack() {
	if !trackingEnabled() {
		return
	}
	if !rwmt.exclusive.lockedAt.IsZero() {
		rwmt.exclusive.unlockTrack("dlm.RWLockStruct")
		return
	}
	rwmt.RUnlockTrack()
}
