// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marblefs/marblefs/conf"
	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/logger"
	"github.com/marblefs/marblefs/trackedlock"
)

func testSetup(t *testing.T) {
	assert := assert.New(t)

	confStrings := []string{
		"logging.logtoconsole=false",
		"trackedlock.lockholdtimelimit=0s",
	}

	confView, err := conf.MakeFromStrings(confStrings)
	assert.Nil(err, "conf.MakeFromStrings() failed")

	err = logger.Up(confView)
	assert.Nil(err, "logger.Up() failed")

	err = trackedlock.Up(confView)
	assert.Nil(err, "trackedlock.Up() failed")

	err = Up(confView)
	assert.Nil(err, "dlm.Up() failed")
}

func testTeardown(t *testing.T) {
	assert := assert.New(t)

	err := Down()
	assert.Nil(err, "dlm.Down() failed")

	err = trackedlock.Down()
	assert.Nil(err, "trackedlock.Down() failed")

	err = logger.Down()
	assert.Nil(err, "logger.Down() failed")
}

func testLock(lockID string) *RWLockStruct {
	return &RWLockStruct{
		LockID:       lockID,
		LockCallerID: GenerateCallerID(),
	}
}

func TestWriteLockBasic(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	lock := testLock("vol.testvol:dq.user.1")

	err := lock.WriteLock()
	assert.Nil(err)
	assert.True(lock.IsWriteHeld())
	assert.False(lock.IsReadHeld())
	assert.True(IsLockHeld(lock.GetLockID(), lock.GetCallerID(), WRITELOCK))
	assert.True(IsLockHeld(lock.GetLockID(), lock.GetCallerID(), ANYLOCK))

	err = lock.Unlock()
	assert.Nil(err)
	assert.False(IsLockHeld(lock.GetLockID(), lock.GetCallerID(), ANYLOCK))
}

func TestSharedReaders(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	lock1 := testLock("vol.testvol:qf.user")
	lock2 := testLock("vol.testvol:qf.user")

	err := lock1.ReadLock()
	assert.Nil(err)

	// A second reader gets in without waiting.
	err = lock2.TryReadLock()
	assert.Nil(err)
	assert.True(lock1.IsReadHeld())
	assert.True(lock2.IsReadHeld())

	// A writer cannot.
	writer := testLock("vol.testvol:qf.user")
	err = writer.TryWriteLock()
	assert.True(fault.Is(err, fault.LockBusyError), "TryWriteLock must fail while readers hold the lock")

	err = lock1.Unlock()
	assert.Nil(err)
	err = lock2.Unlock()
	assert.Nil(err)

	err = writer.TryWriteLock()
	assert.Nil(err)
	err = writer.Unlock()
	assert.Nil(err)
}

func TestTryLockConflicts(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	holder := testLock("vol.testvol:dq.group.7")
	err := holder.WriteLock()
	assert.Nil(err)

	other := testLock("vol.testvol:dq.group.7")
	err = other.TryWriteLock()
	assert.True(fault.Is(err, fault.LockBusyError))
	err = other.TryReadLock()
	assert.True(fault.Is(err, fault.LockBusyError))

	err = holder.Unlock()
	assert.Nil(err)
}

func TestWriterWaitsForReaders(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	reader := testLock("vol.testvol:qf.group")
	err := reader.ReadLock()
	assert.Nil(err)

	var (
		wg        sync.WaitGroup
		writerGot time.Time
	)
	writer := testLock("vol.testvol:qf.group")
	wg.Add(1)
	go func() {
		defer wg.Done()
		lockErr := writer.WriteLock()
		assert.Nil(lockErr)
		writerGot = time.Now()
		unlockErr := writer.Unlock()
		assert.Nil(unlockErr)
	}()

	// Hold the read side long enough that a writer not waiting its turn
	// would be caught.
	time.Sleep(50 * time.Millisecond)
	readerReleased := time.Now()
	err = reader.Unlock()
	assert.Nil(err)

	wg.Wait()
	assert.True(writerGot.After(readerReleased) || writerGot.Equal(readerReleased),
		"writer acquired the lock while a reader still held it")
}

func TestLockHandoffOrder(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	holder := testLock("vol.testvol:dq.proj.9")
	err := holder.WriteLock()
	assert.Nil(err)

	const waiterCount = 4

	var (
		mu       sync.Mutex
		acquired int
		wg       sync.WaitGroup
	)
	for i := 0; i < waiterCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waiter := testLock("vol.testvol:dq.proj.9")
			lockErr := waiter.WriteLock()
			assert.Nil(lockErr)
			mu.Lock()
			acquired++
			mu.Unlock()
			unlockErr := waiter.Unlock()
			assert.Nil(unlockErr)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	err = holder.Unlock()
	assert.Nil(err)

	wg.Wait()
	mu.Lock()
	assert.Equal(waiterCount, acquired, "every queued waiter must eventually get the lock")
	mu.Unlock()
}
