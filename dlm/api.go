// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package dlm provides locking between goroutines sharing a volume.
//
// Locks are identified by string lock IDs and owned by caller IDs, so a lock
// may be released and reacquired across a conceptual ownership boundary (the
// scrub record-lock handoff does exactly this). Lock ID naming convention:
//
//	vol.<volume>:qf.<class>        quota metadata file, one per quota class
//	vol.<volume>:dq.<class>.<id>   individual quota record
//
// Example:
//
//	lock := &dlm.RWLockStruct{LockID: lockID, LockCallerID: dlm.GenerateCallerID()}
//	err = lock.ReadLock()
//	...
//	err = lock.Unlock()
package dlm

import (
	"github.com/google/uuid"
)

// CallerID identifies the owner of a lock acquisition; useful in deadlock
// detection and for ownership checks across release/reacquire.
type CallerID *string

type LockHeldType uint32

const (
	ANYLOCK LockHeldType = iota + 1
	READLOCK
	WRITELOCK
)

// RWLockStruct is a handle to a shared/exclusive lock.
type RWLockStruct struct {
	LockID       string
	LockCallerID CallerID
}

// GenerateCallerID returns a unique caller ID.
func GenerateCallerID() (callerID CallerID) {
	callerIDStr := uuid.New().String()
	callerID = CallerID(&callerIDStr)
	return
}

// IsLockHeld returns whether the lock is held by callerID in (at least) the
// mode given by lockHeldType.
func IsLockHeld(lockID string, callerID CallerID, lockHeldType LockHeldType) (held bool) {
	held = isLockHeld(lockID, callerID, lockHeldType)
	return
}

// GetLockID returns the lock ID from the lock struct.
func (l *RWLockStruct) GetLockID() string {
	return l.LockID
}

// GetCallerID returns the caller ID from the lock struct.
func (l *RWLockStruct) GetCallerID() CallerID {
	return l.LockCallerID
}

// IsReadHeld returns whether the lock is held for reading.
func (l *RWLockStruct) IsReadHeld() bool {
	return isLockHeld(l.LockID, l.LockCallerID, READLOCK)
}

// IsWriteHeld returns whether the lock is held for writing.
func (l *RWLockStruct) IsWriteHeld() bool {
	return isLockHeld(l.LockID, l.LockCallerID, WRITELOCK)
}

// WriteLock blocks until the lock can be held exclusively.
func (l *RWLockStruct) WriteLock() (err error) {
	err = l.commonLock(exclusive, false)
	return
}

// ReadLock blocks until the lock can be held shared.
func (l *RWLockStruct) ReadLock() (err error) {
	err = l.commonLock(shared, false)
	return
}

// TryWriteLock grabs the lock if it is free, otherwise returns EAGAIN.
func (l *RWLockStruct) TryWriteLock() (err error) {
	err = l.commonLock(exclusive, true)
	return
}

// TryReadLock grabs the lock if it is free or shared, otherwise returns EAGAIN.
func (l *RWLockStruct) TryReadLock() (err error) {
	err = l.commonLock(shared, true)
	return
}

// Unlock releases the lock and wakes any waiters that can now be granted.
func (l *RWLockStruct) Unlock() (err error) {
	err = l.unlock()
	return
}
