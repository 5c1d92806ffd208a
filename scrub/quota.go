// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package scrub

import (
	"context"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/marblefs/marblefs/dlm"
	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/logger"
	"github.com/marblefs/marblefs/quotafs"
	"github.com/marblefs/marblefs/stats"
	"github.com/marblefs/marblefs/utils"
)

// quotaScrubJobStruct carries the state of one quota scrub pass.
type quotaScrubJobStruct struct {
	target   Target
	class    quotafs.QuotaClass
	ctx      context.Context
	sink     FindingSink
	limiter  *rate.Limiter
	geo      quotafs.Geometry
	capacity quotafs.FilesystemCapacity
	fileLock *dlm.RWLockStruct
	lastID   uint32
	corrupt  bool
	warning  bool
}

// ScrubQuota checks the quota metadata for one class of the scrubber's
// target. The pass is read-only and may be repeated; against healthy
// metadata it reports a clean Outcome every time.
//
// A corruption finding stops the pass early (the remaining records are
// backed by storage that is no longer trusted) but is not an error: err is
// reserved for failures to perform the check at all, such as an unreadable
// quota block. Cancellation through ctx is likewise not an error; the
// returned Outcome reflects the findings made before the pass stopped.
func (scrubber *Scrubber) ScrubQuota(ctx context.Context, class quotafs.QuotaClass) (outcome Outcome, err error) {
	stats.IncrementOperations(&stats.QuotaScrubOps)
	stopwatch := utils.NewStopwatch()

	job, err := scrubber.setupQuotaScrub(ctx, class)
	if nil != err {
		return
	}

	err = job.run()

	outcome.Corrupt = job.corrupt
	outcome.Warning = job.warning

	if nil == err {
		stats.IncrementOperations(&stats.QuotaScrubSuccessOps)
		logger.Infof("scrub: %s: %v quota pass done in %s: corrupt=%v warning=%v",
			scrubber.Target.Name(), class, stopwatch.Stop(), outcome.Corrupt, outcome.Warning)
	} else {
		logger.ErrorfWithError(err, "scrub: %s: %v quota pass failed after %s",
			scrubber.Target.Name(), class, stopwatch.Stop())
	}
	return
}

// setupQuotaScrub validates the request and takes the quota file lock
// exclusive. The capacity snapshot is taken here, under the lock, and is the
// only one the pass will use.
func (scrubber *Scrubber) setupQuotaScrub(ctx context.Context, class quotafs.QuotaClass) (job *quotaScrubJobStruct, err error) {
	switch class {
	case quotafs.ClassUser, quotafs.ClassGroup, quotafs.ClassProject:
		// fall through
	default:
		err = fault.NewError(fault.InvalidClassError, "scrub: %s: no such quota class %d", scrubber.Target.Name(), class)
		return
	}

	if !scrubber.Target.QuotaEnabled() {
		err = fault.NewError(fault.QuotaOffError, "scrub: %s: quota accounting is off", scrubber.Target.Name())
		return
	}
	if !scrubber.Target.ClassEnabled(class) {
		err = fault.NewError(fault.QuotaOffError, "scrub: %s: %v quota accounting is off", scrubber.Target.Name(), class)
		return
	}

	job = &quotaScrubJobStruct{
		target:   scrubber.Target,
		class:    class,
		ctx:      ctx,
		sink:     scrubber.Sink,
		geo:      scrubber.Target.Geometry(),
		fileLock: scrubber.Target.FileLock(class),
	}

	recordsPerSecond := scrubber.RecordsPerSecond
	if 0 == recordsPerSecond {
		recordsPerSecond = defaultRecordsPerSecond()
	}
	if recordsPerSecond > 0 {
		job.limiter = rate.NewLimiter(rate.Limit(recordsPerSecond), 1)
	}

	err = job.fileLock.WriteLock()
	if nil != err {
		job = nil
		return
	}

	job.capacity = job.target.CurrentCapacity()
	return
}

// run performs the two phases of the pass: the structural and range checks
// under the exclusive file lock, then the per-record walk.
func (job *quotaScrubJobStruct) run() (err error) {
	err = job.checkDataFork()
	if (nil != err) || job.corrupt {
		unlockErr := job.fileLock.Unlock()
		if nil == err {
			err = unlockErr
		}
		return
	}

	// The per-record phase takes the file lock shared around each record,
	// so the exclusive hold must end first.
	err = job.fileLock.Unlock()
	if nil != err {
		return
	}

	cursor, err := job.target.OpenRecordCursor(job.class)
	if nil != err {
		return
	}

	for {
		if nil != job.limiter {
			_ = job.limiter.Wait(job.ctx)
		}
		if job.shouldTerminate() {
			stats.IncrementOperations(&stats.QuotaScrubCancels)
			logger.Infof("scrub: %s: %v quota pass canceled", job.target.Name(), job.class)
			return nil
		}

		rec, nextErr := cursor.Next()
		if nil != nextErr {
			// Attribute iterator failures to the offset of the last
			// id seen.
			offset := uint64(job.lastID) / job.geo.RecordsPerBlock
			logger.ErrorfWithError(nextErr, "scrub: %s: %v quota iteration failed near offset %d",
				job.target.Name(), job.class, offset)
			return nextErr
		}
		if nil == rec {
			return nil
		}

		itemErr := job.checkQuotaRecord(rec)
		releaseErr := rec.Release()
		if nil == itemErr {
			itemErr = releaseErr
		}
		if nil != itemErr {
			if fault.Is(itemErr, fault.ScrubHaltedError) {
				// Corruption already recorded; the remaining
				// records sit in storage we no longer trust.
				return nil
			}
			return itemErr
		}
	}
}

// checkDataFork verifies the quota file's structure and the range its
// extents occupy. Caller holds the file lock exclusive.
func (job *quotaScrubJobStruct) checkDataFork() (err error) {
	clean, err := job.target.CheckMetadataForks(job.class)
	if nil != err {
		return
	}
	if !clean {
		job.setCorrupt(0)
		return
	}

	extents, err := job.target.DataForkExtents(job.class)
	if nil != err {
		return
	}

	// Each record id maps to exactly one file offset, so no extent may
	// reach past the offset of the highest representable id. Delayed and
	// unwritten extents have no place in quota file metadata either.
	maxRecordOffset := quotafs.MaxRecordID / job.geo.RecordsPerBlock
	for _, extent := range extents {
		if job.shouldTerminate() {
			return
		}
		if (quotafs.ExtentWritten != extent.State) ||
			(extent.FileOffset > maxRecordOffset) ||
			(extent.FileOffset+extent.Length-1 > maxRecordOffset) {
			job.setCorrupt(extent.FileOffset)
			return
		}
	}
	return
}

// checkQuotaRecord checks one quota record. The record arrives with its
// record lock held; it is still held on return (Release is the caller's
// job). A ScrubHaltedError return means a corruption finding was recorded
// and the walk should stop; any other error is fatal to the pass.
func (job *quotaScrubJobStruct) checkQuotaRecord(rec *quotafs.QuotaRecord) (err error) {
	stats.IncrementOperations(&stats.QuotaScrubRecordOps)

	// Validating the mapping behind this record needs the file lock, and
	// the file lock always comes before a record lock. The cursor handed
	// us a locked record, so drop the record lock, take the file lock
	// shared, then relock the record.
	err = rec.Unlock()
	if nil != err {
		return
	}
	err = job.fileLock.ReadLock()
	if nil != err {
		_ = rec.Lock()
		return
	}
	err = rec.Lock()
	if nil != err {
		_ = job.fileLock.Unlock()
		return
	}

	offset := uint64(rec.ID) / job.geo.RecordsPerBlock

	// Except for the default record, ids must arrive in strictly
	// increasing order. The default record may appear anywhere and does
	// not advance the tracker.
	if 0 != rec.ID {
		if rec.ID <= job.lastID {
			job.setCorrupt(offset)
		}
		job.lastID = rec.ID
	}

	bmapErr := job.checkRecordBmap(rec, offset)
	unlockErr := job.fileLock.Unlock()
	if nil == bmapErr {
		bmapErr = unlockErr
	}
	if nil != bmapErr {
		logger.ErrorfWithError(bmapErr, "scrub: %s: %v quota mapping check failed at offset %d",
			job.target.Name(), job.class, offset)
		err = bmapErr
		return
	}

	job.checkRecordLimits(rec, offset)

	if job.corrupt {
		err = fault.NewError(fault.ScrubHaltedError, "scrub: %s: %v quota pass halting after corruption",
			job.target.Name(), job.class)
	}
	return
}

// checkRecordBmap cross-references a record against the extent mapping that
// backs it. Caller holds both the file lock (shared) and the record lock.
//
// A failed check does not short-circuit the rest: one record read gathers as
// much diagnostic state as possible.
func (job *quotaScrubJobStruct) checkRecordBmap(rec *quotafs.QuotaRecord, offset uint64) (err error) {
	// An unrepresentable offset cannot be looked up at all; record the
	// finding and stop here rather than hand a bogus offset to BmapRead.
	if !job.geo.VerifyFileOffset(offset) {
		job.setCorrupt(offset)
		return
	}
	if rec.FileOffset != offset {
		job.setCorrupt(offset)
	}

	extents, err := job.target.BmapRead(job.class, offset, 1)
	if nil != err {
		return
	}
	if 1 != len(extents) {
		job.setCorrupt(offset)
		return
	}

	mapping := extents[0]
	if !job.geo.VerifyPhysBlock(mapping.PhysBlock) {
		job.setCorrupt(offset)
	}
	if job.geo.BlockToDiskAddr(mapping.PhysBlock) != rec.DiskAddr {
		job.setCorrupt(offset)
	}
	if quotafs.ExtentWritten != mapping.State {
		job.setCorrupt(offset)
	}
	return
}

// checkRecordLimits applies the limit, usage, and timer rules to one record.
// Caller holds the record lock.
func (job *quotaScrubJobStruct) checkRecordLimits(rec *quotafs.QuotaRecord, offset uint64) {
	// Hard limits larger than the filesystem are legal for an
	// administrator to set, but suspect in production. A soft limit above
	// a nonzero hard limit can never be satisfied and is corrupt.
	job.checkRecordLimitPair(rec, offset, "blocks", &rec.Blk, job.capacity.TotalBlocks)
	job.checkRecordLimitPair(rec, offset, "inodes", &rec.Ino, job.capacity.InodeCount)
	job.checkRecordLimitPair(rec, offset, "rt blocks", &rec.RTB, job.capacity.TotalRTBlocks)

	// Usage accounted against physical space must fit in it. Shared
	// extents let block usage legitimately exceed capacity, so in that
	// case only warn. Inode usage can never exceed the inode count.
	if rec.Blk.Count > job.capacity.TotalBlocks {
		if job.capacity.OvercommitAllowed {
			job.setWarning(offset)
		} else {
			job.setCorrupt(offset)
		}
	}
	if rec.RTB.Count > job.capacity.TotalRTBlocks {
		if job.capacity.OvercommitAllowed {
			job.setWarning(offset)
		} else {
			job.setCorrupt(offset)
		}
	}
	if rec.Ino.Count > job.capacity.InodeCount {
		job.setCorrupt(offset)
	}

	// The default record sets policy, not live usage; the overage and
	// timer rules do not apply to it.
	if 0 == rec.ID {
		return
	}

	// Usage above a nonzero hard limit happens legitimately when an
	// administrator lowers the limit below existing usage; flag it for
	// review.
	if (0 != rec.Blk.HardLimit) && (rec.Blk.Count > rec.Blk.HardLimit) {
		job.setWarning(offset)
	}
	if (0 != rec.Ino.HardLimit) && (rec.Ino.Count > rec.Ino.HardLimit) {
		job.setWarning(offset)
	}
	if (0 != rec.RTB.HardLimit) && (rec.RTB.Count > rec.RTB.HardLimit) {
		job.setWarning(offset)
	}

	job.checkRecordTimer(offset, &rec.Blk)
	job.checkRecordTimer(offset, &rec.Ino)
	job.checkRecordTimer(offset, &rec.RTB)
}

// checkRecordLimitPair checks one resource's limit pair: hard limit against
// filesystem capacity, soft limit against the hard limit.
func (job *quotaScrubJobStruct) checkRecordLimitPair(rec *quotafs.QuotaRecord, offset uint64, resource string, res *quotafs.ResourceLimit, capacity uint64) {
	if res.HardLimit > capacity {
		logger.Warnf("scrub: %s: %v quota id %d: %s hard limit %s exceeds filesystem capacity %s",
			job.target.Name(), job.class, rec.ID, resource,
			humanize.Comma(int64(res.HardLimit)), humanize.Comma(int64(capacity)))
		job.setWarning(offset)
	}
	if (0 != res.HardLimit) && (res.SoftLimit > res.HardLimit) {
		job.setCorrupt(offset)
	}
}

// checkRecordTimer enforces that a resource's grace timer runs exactly when
// usage exceeds one of its enforced limits.
func (job *quotaScrubJobStruct) checkRecordTimer(offset uint64, res *quotafs.ResourceLimit) {
	overLimit := ((0 != res.SoftLimit) && (res.Count > res.SoftLimit)) ||
		((0 != res.HardLimit) && (res.Count > res.HardLimit))

	if overLimit != (0 != res.Timer) {
		job.setCorrupt(offset)
	}
}

func (job *quotaScrubJobStruct) setCorrupt(offset uint64) {
	job.corrupt = true
	stats.IncrementOperations(&stats.QuotaScrubCorruptionsSet)
	logger.Tracef("scrub: %s: %v quota corruption at offset %d", job.target.Name(), job.class, offset)
	if nil != job.sink {
		job.sink.ReportCorrupt(job.class, offset)
	}
}

func (job *quotaScrubJobStruct) setWarning(offset uint64) {
	job.warning = true
	stats.IncrementOperations(&stats.QuotaScrubWarningsSet)
	logger.Tracef("scrub: %s: %v quota warning at offset %d", job.target.Name(), job.class, offset)
	if nil != job.sink {
		job.sink.ReportWarning(job.class, offset)
	}
}

func (job *quotaScrubJobStruct) shouldTerminate() bool {
	select {
	case <-job.ctx.Done():
		return true
	default:
		return false
	}
}
