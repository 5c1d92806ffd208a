// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/trackedlock"
)

type lockState int

const (
	nilType lockState = iota
	shared
	exclusive
	stale
)

// localLockTrack tracks one lock.
type localLockTrack struct {
	trackedlock.Mutex
	lockID       string
	owners       uint64 // count of callers which own the lock
	waiters      uint64 // count of callers which want the lock (shared or exclusive)
	state        lockState
	exclOwner    CallerID
	listOfOwners []CallerID
	waitReqQ     *list.List               // FIFO of requests waiting for the lock
	rwMutexTrack trackedlock.RWMutexTrack // track how long the lock is held
}

var localLockTrackPool = sync.Pool{
	New: func() interface{} {
		var track localLockTrack

		// every localLockTrack must have a waitReqQ
		track.waitReqQ = list.New()

		return &track
	},
}

type localLockRequest struct {
	requestedState lockState
	*sync.Cond
	wakeUp       bool
	LockCallerID CallerID
}

func callerInListOfOwners(listOfOwners []CallerID, callerID CallerID) bool {
	for _, owner := range listOfOwners {
		if owner == callerID {
			return true
		}
	}
	return false
}

func removeFromListOfOwners(listOfOwners []CallerID, callerID CallerID) []CallerID {
	for i, owner := range listOfOwners {
		if owner == callerID {
			listOfOwners[i] = listOfOwners[len(listOfOwners)-1]
			return listOfOwners[:len(listOfOwners)-1]
		}
	}
	panic(fmt.Sprintf("dlm: callerID %v not found in list of owners %v", callerID, listOfOwners))
}

func isLockHeld(lockID string, callerID CallerID, lockHeldType LockHeldType) (held bool) {
	globals.Lock()
	// Not deferring globals.Unlock() since we grab the track mutex below.

	track, ok := globals.localLockMap[lockID]
	if !ok {
		globals.Unlock()
		return false
	}

	track.Mutex.Lock()
	globals.Unlock()
	defer track.Mutex.Unlock()

	switch lockHeldType {
	case READLOCK:
		return (track.state == shared) && callerInListOfOwners(track.listOfOwners, callerID)
	case WRITELOCK:
		return (track.state == exclusive) && callerInListOfOwners(track.listOfOwners, callerID)
	case ANYLOCK:
		return ((track.state == exclusive) || (track.state == shared)) && callerInListOfOwners(track.listOfOwners, callerID)
	}
	return false
}

func grantAndSignal(track *localLockTrack, request *localLockRequest) {
	track.state = request.requestedState
	track.listOfOwners = append(track.listOfOwners, request.LockCallerID)
	track.owners++

	if track.state == exclusive {
		if track.exclOwner != nil || track.owners != 1 {
			panic(fmt.Sprintf("dlm: granted exclusive lock %v with exclOwner %v owners %d",
				track.lockID, track.exclOwner, track.owners))
		}
		track.exclOwner = request.LockCallerID
	}

	request.wakeUp = true
	request.Cond.Broadcast()
}

// processLocalQ grants whatever the waiter queue allows: an exclusive request
// only when the lock is free, shared requests until the first queued
// exclusive one. Assumes the track mutex is held.
func processLocalQ(track *localLockTrack) {
	if track.waitReqQ.Len() == 0 {
		return
	}

	if track.state == exclusive {
		return
	}

	// At this point the lock is either stale or shared.
	for track.waitReqQ.Len() > 0 {
		elem := track.waitReqQ.Remove(track.waitReqQ.Front())
		request, ok := elem.(*localLockRequest)
		if !ok {
			panic("dlm: waitReqQ element is not a *localLockRequest")
		}

		if request.requestedState == exclusive {
			if track.state == stale {
				grantAndSignal(track, request)
			} else {
				// Can't grant exclusive while shared; preserve FIFO order.
				track.waitReqQ.PushFront(request)
			}
			return
		}

		grantAndSignal(track, request)
	}
}

func (l *RWLockStruct) commonLock(requestedState lockState, try bool) (err error) {
	globals.Lock()
	track, ok := globals.localLockMap[l.LockID]
	if !ok {
		track = localLockTrackPool.Get().(*localLockTrack)
		if track.waitReqQ.Len() != 0 {
			panic(fmt.Sprintf("dlm: localLockTrack %p from pool has a non-empty waitReqQ", track))
		}
		if len(track.listOfOwners) != 0 {
			panic(fmt.Sprintf("dlm: localLockTrack %p from pool has a non-empty listOfOwners", track))
		}
		track.lockID = l.LockID
		track.state = stale

		globals.localLockMap[l.LockID] = track
	}

	track.Mutex.Lock()
	defer track.Mutex.Unlock()

	globals.Unlock()

	// For the Try variants, bail out before queueing if the lock cannot be
	// granted right now.
	if try {
		busy := (requestedState == exclusive && track.state != stale) ||
			(requestedState == shared && track.state == exclusive)
		if busy {
			err = errors.New("lock is busy - try again")
			return fault.AddError(err, fault.LockBusyError)
		}
	}

	request := localLockRequest{requestedState: requestedState, LockCallerID: l.LockCallerID, wakeUp: false}
	request.Cond = sync.NewCond(&track.Mutex)
	track.waitReqQ.PushBack(&request)

	track.waiters++

	processLocalQ(track)

	// wakeUp is already true if processLocalQ() granted our request inline.
	for !request.wakeUp {
		request.Cond.Wait()
	}

	if track.state == stale || track.owners == 0 || (track.owners > 1 && track.state != shared) {
		panic(fmt.Sprintf("dlm: lock %v in undefined state after grant: owners %d waiters %d state %v",
			track.lockID, track.owners, track.waiters, track.state))
	}

	// Let the trackedlock package watch how long we hold the lock.
	if track.state == exclusive {
		track.rwMutexTrack.LockTrack()
	} else {
		track.rwMutexTrack.RLockTrack()
	}

	// Decrement waiters here rather than in processLocalQ() so that other
	// goroutines do not assume there are no waiters between the Cond signal
	// and this goroutine waking up.
	track.waiters--

	return nil
}

func (l *RWLockStruct) unlock() (err error) {
	globals.Lock()
	track, ok := globals.localLockMap[l.LockID]
	if !ok {
		panic(fmt.Sprintf("dlm: Unlock() of lock %v not found in localLockMap", l.LockID))
	}

	track.Mutex.Lock()

	// While holding the map mutex, remove the lock from the map if we are
	// the last holder and nobody is waiting.
	var deleted = false
	if (track.owners == 1) && (track.waiters == 0) {
		deleted = true
		delete(globals.localLockMap, l.LockID)
	}

	globals.Unlock()

	track.owners--
	track.listOfOwners = removeFromListOfOwners(track.listOfOwners, l.LockCallerID)
	if track.state == exclusive {
		if track.owners != 0 || track.exclOwner == nil {
			panic(fmt.Sprintf("dlm: releasing exclusive lock %v with exclOwner %v owners %d",
				track.lockID, track.exclOwner, track.owners))
		}
		track.exclOwner = nil
	}

	if track.owners == 0 {
		track.state = stale
	}

	// record the release of the lock
	track.rwMutexTrack.DLMUnlockTrack()

	processLocalQ(track)

	track.Mutex.Unlock()

	if deleted {
		if track.waitReqQ.Len() != 0 || track.waiters != 0 || track.state != stale {
			panic(fmt.Sprintf("dlm: returning busy localLockTrack %p to pool", track))
		}
		localLockTrackPool.Put(track)
	}

	return nil
}
