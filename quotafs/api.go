// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package quotafs implements the quota metadata store for a MarbleFS volume.
//
// Each enabled quota class (user, group, project) is backed by one quota
// metadata file. The file's data fork is an extent map (a B+Tree keyed by
// file offset in block units) and each written extent is backed by a
// checksummed block holding fixed-size quota records. Record N lives at file
// offset N / RecordsPerBlock, slot N % RecordsPerBlock.
//
// Records are handed out by RecordCursor in ascending id order, each locked
// on behalf of the caller until explicitly released.
package quotafs

import (
	"fmt"
	"math"

	"github.com/marblefs/marblefs/dlm"
)

// QuotaClass selects which quota record set (and thus which quota metadata
// file) an operation applies to.
type QuotaClass uint8

const (
	ClassNone QuotaClass = iota
	ClassUser
	ClassGroup
	ClassProject
)

func (class QuotaClass) String() string {
	switch class {
	case ClassUser:
		return "user"
	case ClassGroup:
		return "group"
	case ClassProject:
		return "project"
	}
	return fmt.Sprintf("invalid(%d)", uint8(class))
}

// MaxRecordID is the highest representable quota record id.
const MaxRecordID = uint64(math.MaxUint32)

// ResourceLimit is one accounting domain within a quota record. A zero
// HardLimit or SoftLimit means "no limit"; a zero Timer means no grace
// period is running.
type ResourceLimit struct {
	HardLimit uint64
	SoftLimit uint64
	Count     uint64
	Timer     uint64 // grace expiry, Unix seconds
}

// QuotaRecord is the in-memory form of one quota record. Id 0 is the
// reserved default-limits record: it sets policy, not live usage.
//
// A record obtained from a RecordCursor arrives with its record lock held by
// the caller; the caller must Release() it when done. Unlock()/Lock() exist
// so that a caller needing the quota-file lock can drop and reacquire the
// record lock without giving up ownership of the record itself.
type QuotaRecord struct {
	Class      QuotaClass
	ID         uint32
	FileOffset uint64 // block offset within the quota file backing this record
	DiskAddr   uint64 // disk address (sector units) of the backing block
	Blk        ResourceLimit
	Ino        ResourceLimit
	RTB        ResourceLimit

	lock *dlm.RWLockStruct
}

// Lock reacquires the record lock.
func (rec *QuotaRecord) Lock() (err error) {
	return rec.lock.WriteLock()
}

// Unlock drops the record lock without ending ownership of the record.
func (rec *QuotaRecord) Unlock() (err error) {
	return rec.lock.Unlock()
}

// Release drops the record lock and ends the caller's use of the record.
func (rec *QuotaRecord) Release() (err error) {
	return rec.lock.Unlock()
}

// AttachLock returns a copy of rec bound to lock. Iterator implementations
// hand out records with their lock already held, so lock must be held by the
// caller at the time AttachLock is called.
func AttachLock(rec QuotaRecord, lock *dlm.RWLockStruct) (bound *QuotaRecord) {
	bound = &rec
	bound.lock = lock
	return
}

// RecordCursor walks a quota file's records in ascending id order. Next()
// returns each record with its record lock held, or (nil, nil) at end of
// iteration.
type RecordCursor interface {
	Next() (rec *QuotaRecord, err error)
}

// FilesystemCapacity is a point-in-time snapshot of volume-wide capacity
// facts, sampled once per scrub invocation.
type FilesystemCapacity struct {
	TotalBlocks       uint64
	TotalRTBlocks     uint64
	InodeCount        uint64
	OvercommitAllowed bool // shared-extents feature: block usage may exceed nominal capacity
}

// ExtentState describes the backing of an extent.
type ExtentState uint8

const (
	ExtentWritten   ExtentState = iota // allocated, initialized blocks
	ExtentUnwritten                    // preallocated but never written
	ExtentDelayed                      // delayed allocation, no physical blocks yet
)

func (state ExtentState) String() string {
	switch state {
	case ExtentWritten:
		return "written"
	case ExtentUnwritten:
		return "unwritten"
	case ExtentDelayed:
		return "delayed"
	}
	return fmt.Sprintf("invalid(%d)", uint8(state))
}

// Extent is one mapping in a file's data fork: Length blocks starting at
// file offset FileOffset, backed by physical blocks starting at PhysBlock.
type Extent struct {
	FileOffset uint64
	Length     uint64
	PhysBlock  uint64
	State      ExtentState
}

// Geometry holds the fixed layout facts for a volume.
type Geometry struct {
	BlockSize       uint64
	SectorSize      uint64
	RecordsPerBlock uint64 // quota records per quota file block
	DaddrsPerBlock  uint64 // sectors per block
	MaxFileOffset   uint64 // highest representable file offset, block units
	MaxPhysBlock    uint64 // highest valid physical block number
}

// VerifyFileOffset returns whether off is a representable file offset.
func (geo *Geometry) VerifyFileOffset(off uint64) bool {
	return off <= geo.MaxFileOffset
}

// VerifyPhysBlock returns whether physBlock is a valid physical block number.
func (geo *Geometry) VerifyPhysBlock(physBlock uint64) bool {
	return physBlock > 0 && physBlock <= geo.MaxPhysBlock
}

// BlockToDiskAddr converts a physical block number to a disk address in
// sector units.
func (geo *Geometry) BlockToDiskAddr(physBlock uint64) uint64 {
	return physBlock * geo.DaddrsPerBlock
}
