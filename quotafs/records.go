// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package quotafs

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"github.com/google/btree"

	"github.com/marblefs/marblefs/dlm"
	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/utils"
)

const (
	quotaBlockHdrMagic = uint32(0x4D51_4231) // "MQB1"
	quotaRecMagic      = uint16(0x4D51)      // "MQ"
	quotaRecVersionV1  = uint8(1)
)

// On-disk header at the front of every quota block. Checksum covers the
// record area (everything after the header).
type onDiskQuotaBlockHdrV1Struct struct {
	Magic      uint32
	Checksum   uint64
	FileOffset uint64
}

// On-disk form of one quota record, in cstruct.LittleEndian form.
type onDiskQuotaRecV1Struct struct {
	Magic   uint16
	Version uint8
	Class   uint8
	ID      uint32

	BlkHardLimit uint64
	BlkSoftLimit uint64
	BlkCount     uint64
	BlkTimer     uint64

	InoHardLimit uint64
	InoSoftLimit uint64
	InoCount     uint64
	InoTimer     uint64

	RTBHardLimit uint64
	RTBSoftLimit uint64
	RTBCount     uint64
	RTBTimer     uint64
}

var (
	quotaBlockHdrSize uint64
	quotaRecSize      uint64
)

func init() {
	var err error

	quotaBlockHdrSize, _, err = cstruct.Examine(&onDiskQuotaBlockHdrV1Struct{})
	if nil != err {
		panic(err)
	}
	quotaRecSize, _, err = cstruct.Examine(&onDiskQuotaRecV1Struct{})
	if nil != err {
		panic(err)
	}
}

func unpackQuotaBlockHdr(buf []byte) (hdr *onDiskQuotaBlockHdrV1Struct, err error) {
	hdr = &onDiskQuotaBlockHdrV1Struct{}
	_, err = cstruct.Unpack(buf, hdr, cstruct.LittleEndian)
	if nil != err {
		return nil, err
	}
	return hdr, nil
}

// refreshQuotaBlockHdr rewrites buf's header with a checksum of the current
// record area. Assumes vol.mu is held.
func refreshQuotaBlockHdr(buf []byte, fileOffset uint64) (err error) {
	hdr := &onDiskQuotaBlockHdrV1Struct{
		Magic:      quotaBlockHdrMagic,
		Checksum:   cityhash.Hash64(buf[quotaBlockHdrSize:]),
		FileOffset: fileOffset,
	}
	packed, err := cstruct.Pack(hdr, cstruct.LittleEndian)
	if nil != err {
		return err
	}
	copy(buf[:quotaBlockHdrSize], packed)
	return nil
}

// SetQuota writes (or overwrites) the quota record for id, allocating the
// backing block and extent on first use.
func (vol *Volume) SetQuota(class QuotaClass, id uint32, blk ResourceLimit, ino ResourceLimit, rtb ResourceLimit) (err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	fileOffset := uint64(id) / vol.geo.RecordsPerBlock

	extent, ok, err := qf.lookupExtent(fileOffset)
	if err != nil {
		return fault.AddError(err, fault.ExtentLookupError)
	}
	if !ok {
		physBlock, allocErr := vol.allocPhysBlock()
		if allocErr != nil {
			return allocErr
		}
		extent = &Extent{
			FileOffset: fileOffset,
			Length:     1,
			PhysBlock:  physBlock,
			State:      ExtentWritten,
		}
		err = qf.insertExtent(extent)
		if err != nil {
			return err
		}
		err = refreshQuotaBlockHdr(vol.blocks[physBlock], fileOffset)
		if err != nil {
			return err
		}
	}

	physBlock := extent.PhysBlock + (fileOffset - extent.FileOffset)
	buf, err := vol.readBlock(physBlock)
	if err != nil {
		return err
	}

	onDiskRec := &onDiskQuotaRecV1Struct{
		Magic:        quotaRecMagic,
		Version:      quotaRecVersionV1,
		Class:        uint8(class),
		ID:           id,
		BlkHardLimit: blk.HardLimit,
		BlkSoftLimit: blk.SoftLimit,
		BlkCount:     blk.Count,
		BlkTimer:     blk.Timer,
		InoHardLimit: ino.HardLimit,
		InoSoftLimit: ino.SoftLimit,
		InoCount:     ino.Count,
		InoTimer:     ino.Timer,
		RTBHardLimit: rtb.HardLimit,
		RTBSoftLimit: rtb.SoftLimit,
		RTBCount:     rtb.Count,
		RTBTimer:     rtb.Timer,
	}
	packed, err := cstruct.Pack(onDiskRec, cstruct.LittleEndian)
	if nil != err {
		return err
	}

	slot := uint64(id) % vol.geo.RecordsPerBlock
	slotStart := quotaBlockHdrSize + slot*quotaRecSize
	copy(buf[slotStart:slotStart+quotaRecSize], packed)

	err = refreshQuotaBlockHdr(buf, fileOffset)
	if err != nil {
		return err
	}

	qf.records.ReplaceOrInsert(recordIndexEntryStruct{id: id})

	return nil
}

// CorruptRecordBlock scribbles on the record area of the block backing
// fileOffset without refreshing its checksum. Test hook.
func (vol *Volume) CorruptRecordBlock(class QuotaClass, fileOffset uint64) (err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	extent, ok, err := qf.lookupExtent(fileOffset)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NewError(fault.NoDataError, "%s: no extent at offset %d", utils.GetFnName(), fileOffset)
	}
	buf, err := vol.readBlock(extent.PhysBlock + (fileOffset - extent.FileOffset))
	if err != nil {
		return err
	}
	buf[quotaBlockHdrSize] ^= 0xFF
	return nil
}

// RecordCursorStruct iterates a quota file's records in ascending id order.
// Each record returned by Next() is handed to the caller with its record
// lock held; the caller owns the record until it calls Release().
type RecordCursorStruct struct {
	qf       *quotaFileStruct
	callerID dlm.CallerID
	nextID   uint64 // uint64 so that MaxRecordID+1 is representable
}

// OpenRecordCursor starts an ordered walk of the class's quota records.
func (vol *Volume) OpenRecordCursor(class QuotaClass) (cursor RecordCursor, err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return nil, err
	}
	cursor = &RecordCursorStruct{
		qf:       qf,
		callerID: dlm.GenerateCallerID(),
		nextID:   0,
	}
	return cursor, nil
}

// Next returns the next quota record, locked on behalf of the caller, or
// (nil, nil) at end of iteration.
//
// The record lock is taken before the record contents are read, so the
// returned snapshot is internally consistent even against concurrent quota
// updates. Callers must not hold the quota file lock when calling Next():
// the file lock always comes before a record lock, and Next() has no way to
// honor that order on the caller's behalf.
func (cursor *RecordCursorStruct) Next() (rec *QuotaRecord, err error) {
	vol := cursor.qf.vol

	if cursor.nextID > MaxRecordID {
		return nil, nil
	}

	vol.mu.Lock()
	var (
		foundID uint32
		found   bool
	)
	cursor.qf.records.AscendGreaterOrEqual(recordIndexEntryStruct{id: uint32(cursor.nextID)},
		func(item btree.Item) bool {
			foundID = item.(recordIndexEntryStruct).id
			found = true
			return false
		})
	vol.mu.Unlock()

	if !found {
		return nil, nil
	}

	recLock := &dlm.RWLockStruct{
		LockID:       vol.recordLockID(cursor.qf.class, foundID),
		LockCallerID: cursor.callerID,
	}
	err = recLock.WriteLock()
	if err != nil {
		return nil, err
	}

	rec, err = cursor.qf.readRecord(foundID, recLock)
	if err != nil {
		_ = recLock.Unlock()
		return nil, err
	}

	cursor.nextID = uint64(foundID) + 1
	return rec, nil
}

// readRecord materializes the record for id from its backing block. The
// caller must already hold the record lock.
func (qf *quotaFileStruct) readRecord(id uint32, recLock *dlm.RWLockStruct) (rec *QuotaRecord, err error) {
	vol := qf.vol

	vol.mu.Lock()
	defer vol.mu.Unlock()

	fileOffset := uint64(id) / vol.geo.RecordsPerBlock

	extent, ok, err := qf.lookupExtent(fileOffset)
	if err != nil {
		return nil, fault.AddError(err, fault.ExtentLookupError)
	}
	if !ok {
		err = fault.NewError(fault.CorruptRecordError, "%s: record %d of %v quota has no backing extent",
			utils.GetFnName(), id, qf.class)
		return nil, err
	}

	physBlock := extent.PhysBlock + (fileOffset - extent.FileOffset)
	buf, err := vol.readBlock(physBlock)
	if err != nil {
		return nil, err
	}

	slot := uint64(id) % vol.geo.RecordsPerBlock
	slotStart := quotaBlockHdrSize + slot*quotaRecSize

	onDiskRec := &onDiskQuotaRecV1Struct{}
	_, err = cstruct.Unpack(buf[slotStart:slotStart+quotaRecSize], onDiskRec, cstruct.LittleEndian)
	if nil != err {
		return nil, fault.AddError(err, fault.CorruptRecordError)
	}
	if onDiskRec.Magic != quotaRecMagic || onDiskRec.Version != quotaRecVersionV1 || onDiskRec.ID != id {
		err = fault.NewError(fault.CorruptRecordError,
			"%s: record %d of %v quota fails verification (magic 0x%04X version %d id %d)",
			utils.GetFnName(), id, qf.class, onDiskRec.Magic, onDiskRec.Version, onDiskRec.ID)
		return nil, err
	}

	rec = &QuotaRecord{
		Class:      qf.class,
		ID:         id,
		FileOffset: fileOffset,
		DiskAddr:   vol.geo.BlockToDiskAddr(physBlock),
		Blk: ResourceLimit{
			HardLimit: onDiskRec.BlkHardLimit,
			SoftLimit: onDiskRec.BlkSoftLimit,
			Count:     onDiskRec.BlkCount,
			Timer:     onDiskRec.BlkTimer,
		},
		Ino: ResourceLimit{
			HardLimit: onDiskRec.InoHardLimit,
			SoftLimit: onDiskRec.InoSoftLimit,
			Count:     onDiskRec.InoCount,
			Timer:     onDiskRec.InoTimer,
		},
		RTB: ResourceLimit{
			HardLimit: onDiskRec.RTBHardLimit,
			SoftLimit: onDiskRec.RTBSoftLimit,
			Count:     onDiskRec.RTBCount,
			Timer:     onDiskRec.RTBTimer,
		},
		lock: recLock,
	}
	return rec, nil
}

// String renders a record for debug logs.
func (rec *QuotaRecord) String() string {
	return fmt.Sprintf("%v quota id %d (offset %d daddr %d)", rec.Class, rec.ID, rec.FileOffset, rec.DiskAddr)
}
