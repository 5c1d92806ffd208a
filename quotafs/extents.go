// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package quotafs

import (
	"github.com/creachadair/cityhash"

	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/logger"
	"github.com/marblefs/marblefs/utils"
)

// lookupExtent returns the extent covering fileOffset, if any.
// Assumes vol.mu is held.
func (qf *quotaFileStruct) lookupExtent(fileOffset uint64) (extent *Extent, ok bool, err error) {
	index, _, err := qf.extents.BisectLeft(fileOffset)
	if err != nil {
		return nil, false, err
	}
	if index < 0 {
		return nil, false, nil
	}
	_, value, ok, err := qf.extents.GetByIndex(index)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	extent = value.(*Extent)
	if fileOffset >= extent.FileOffset+extent.Length {
		return nil, false, nil
	}
	return extent, true, nil
}

// insertExtent adds an extent to the data fork. Assumes vol.mu is held.
func (qf *quotaFileStruct) insertExtent(extent *Extent) (err error) {
	ok, err := qf.extents.Put(extent.FileOffset, extent)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NewError(fault.InvalidArgError, "%s: extent at offset %d already present",
			utils.GetFnName(), extent.FileOffset)
	}
	return nil
}

// BmapRead resolves the extent mappings overlapping [fileOffset,
// fileOffset+count) in the quota file's data fork. Holes produce no mapping,
// so the result may be empty.
//
// Callers must hold the quota file lock (shared is enough): the extent map
// changes underneath ordinary allocation traffic.
func (vol *Volume) BmapRead(class QuotaClass, fileOffset uint64, count uint64) (extents []Extent, err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return nil, err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	extents = make([]Extent, 0, 1)

	index, _, err := qf.extents.BisectLeft(fileOffset)
	if err != nil {
		return nil, fault.AddError(err, fault.ExtentLookupError)
	}
	if index < 0 {
		index = 0
	}
	for {
		_, value, ok, getErr := qf.extents.GetByIndex(index)
		if getErr != nil {
			return nil, fault.AddError(getErr, fault.ExtentLookupError)
		}
		if !ok {
			break
		}
		extent := value.(*Extent)
		if extent.FileOffset >= fileOffset+count {
			break
		}
		if extent.FileOffset+extent.Length > fileOffset {
			// Trim the mapping to the requested range.
			startOff := extent.FileOffset
			if fileOffset > startOff {
				startOff = fileOffset
			}
			endOff := extent.FileOffset + extent.Length
			if fileOffset+count < endOff {
				endOff = fileOffset + count
			}
			extents = append(extents, Extent{
				FileOffset: startOff,
				Length:     endOff - startOff,
				PhysBlock:  extent.PhysBlock + (startOff - extent.FileOffset),
				State:      extent.State,
			})
		}
		index++
	}

	return extents, nil
}

// DataForkExtents returns a snapshot of the quota file's full extent list in
// ascending file-offset order. Callers must hold the file lock exclusively;
// the snapshot is only as stable as that lock.
func (vol *Volume) DataForkExtents(class QuotaClass) (extents []Extent, err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return nil, err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	numExtents, err := qf.extents.Len()
	if err != nil {
		return nil, fault.AddError(err, fault.ExtentLookupError)
	}

	extents = make([]Extent, 0, numExtents)
	for index := 0; index < numExtents; index++ {
		_, value, ok, getErr := qf.extents.GetByIndex(index)
		if getErr != nil {
			return nil, fault.AddError(getErr, fault.ExtentLookupError)
		}
		if !ok {
			break
		}
		extents = append(extents, *(value.(*Extent)))
	}

	return extents, nil
}

// SetExtentState rewrites the state of the extent at fileOffset. Test hook
// for conjuring delayed/unwritten extents that the write path never creates.
func (vol *Volume) SetExtentState(class QuotaClass, fileOffset uint64, state ExtentState) (err error) {
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
	extent.State = state
	return nil
}

// InsertRawExtent adds an arbitrary extent to the quota file's data fork,
// bypassing the allocator. Written extents get zero-filled backing blocks
// with valid headers so that only the mapping itself is suspect. Test hook
// for planting extents beyond the valid record range.
func (vol *Volume) InsertRawExtent(class QuotaClass, extent Extent) (err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	if extent.State == ExtentWritten {
		for blk := uint64(0); blk < extent.Length; blk++ {
			physBlock := extent.PhysBlock + blk
			if _, ok := vol.blocks[physBlock]; !ok {
				vol.blocks[physBlock] = make([]byte, vol.geo.BlockSize)
			}
			err = refreshQuotaBlockHdr(vol.blocks[physBlock], extent.FileOffset+blk)
			if err != nil {
				return err
			}
		}
	}

	return qf.insertExtent(&extent)
}

// CheckMetadataForks validates the structure of the quota file's own
// metadata: the extent map B+Tree, the extent list (ascending, non-zero
// length, non-overlapping), and the checksummed header of every written
// block. It treats the quota file like any other metadata inode fork and
// knows nothing about quota record semantics.
//
// Callers must hold the file lock exclusively. Returns clean == false for
// structural corruption; err is reserved for I/O failures.
func (vol *Volume) CheckMetadataForks(class QuotaClass) (clean bool, err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return false, err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	err = qf.extents.Validate()
	if err != nil {
		logger.Tracef("quotafs: volume '%s' %v quota file: extent map validation: %v", vol.name, class, err)
		return false, nil
	}

	numExtents, err := qf.extents.Len()
	if err != nil {
		return false, fault.AddError(err, fault.ExtentLookupError)
	}

	prevEnd := uint64(0)
	for index := 0; index < numExtents; index++ {
		key, value, ok, getErr := qf.extents.GetByIndex(index)
		if getErr != nil {
			return false, fault.AddError(getErr, fault.ExtentLookupError)
		}
		if !ok {
			break
		}
		extent := value.(*Extent)

		if key.(uint64) != extent.FileOffset || extent.Length == 0 {
			logger.Tracef("quotafs: volume '%s' %v quota file: malformed extent at offset %d",
				vol.name, class, extent.FileOffset)
			return false, nil
		}
		if index > 0 && extent.FileOffset < prevEnd {
			logger.Tracef("quotafs: volume '%s' %v quota file: overlapping extent at offset %d",
				vol.name, class, extent.FileOffset)
			return false, nil
		}
		prevEnd = extent.FileOffset + extent.Length

		if extent.State != ExtentWritten {
			// Range-specific policy (no delalloc/unwritten extents in a
			// quota file) belongs to the quota scrubber, not here.
			continue
		}

		for blk := uint64(0); blk < extent.Length; blk++ {
			ok, checkErr := vol.checkQuotaBlock(extent.PhysBlock+blk, extent.FileOffset+blk)
			if checkErr != nil {
				return false, checkErr
			}
			if !ok {
				logger.Tracef("quotafs: volume '%s' %v quota file: bad block backing offset %d",
					vol.name, class, extent.FileOffset+blk)
				return false, nil
			}
		}
	}

	return true, nil
}

// checkQuotaBlock verifies one quota block's header and checksum.
// Assumes vol.mu is held.
func (vol *Volume) checkQuotaBlock(physBlock uint64, fileOffset uint64) (ok bool, err error) {
	buf, err := vol.readBlock(physBlock)
	if err != nil {
		return false, err
	}

	hdr, unpackErr := unpackQuotaBlockHdr(buf)
	if unpackErr != nil {
		return false, nil
	}
	if hdr.Magic != quotaBlockHdrMagic || hdr.FileOffset != fileOffset {
		return false, nil
	}
	if hdr.Checksum != cityhash.Hash64(buf[quotaBlockHdrSize:]) {
		return false, nil
	}
	return true, nil
}
