// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package scrub implements online metadata checking for mounted volumes.
//
// A scrub pass reads one category of metadata, cross-references it against
// the rest of the filesystem, and reports whether the metadata is corrupt or
// merely suspect. Scrubbing is read-only: it never modifies the volume, so a
// pass can run repeatedly against a healthy volume and report clean every
// time.
//
// The only category currently implemented is quota metadata. ScrubQuota
// walks every quota record of one class (user, group, or project) and checks
// record ordering, the extent mapping backing each record, internal limit
// consistency, and usage against a point-in-time capacity snapshot.
package scrub

import (
	"context"

	"github.com/marblefs/marblefs/dlm"
	"github.com/marblefs/marblefs/quotafs"
)

// Target is the view of a volume that a scrub pass needs. *quotafs.Volume
// implements it.
type Target interface {
	// Name returns the volume name, used only for logging.
	Name() string

	// Geometry returns the volume's fixed layout parameters.
	Geometry() quotafs.Geometry

	// QuotaEnabled indicates whether quota accounting is active at all.
	QuotaEnabled() bool

	// ClassEnabled indicates whether accounting for one quota class is
	// active.
	ClassEnabled(class quotafs.QuotaClass) bool

	// FileLock returns a lock handle for the class's quota file. The lock
	// always comes before any record lock.
	FileLock(class quotafs.QuotaClass) *dlm.RWLockStruct

	// CheckMetadataForks verifies the structural integrity of the quota
	// file's metadata: extent map structure plus the header and checksum
	// of every written block. A false return means the structure itself
	// is bad; err is reserved for failures to perform the check.
	CheckMetadataForks(class quotafs.QuotaClass) (clean bool, err error)

	// DataForkExtents returns a snapshot of the quota file's extent map
	// in ascending file-offset order.
	DataForkExtents(class quotafs.QuotaClass) (extents []quotafs.Extent, err error)

	// BmapRead returns the extents overlapping [fileOffset,
	// fileOffset+count), trimmed to the requested range.
	BmapRead(class quotafs.QuotaClass, fileOffset uint64, count uint64) (extents []quotafs.Extent, err error)

	// OpenRecordCursor starts an ordered walk of the class's quota
	// records.
	OpenRecordCursor(class quotafs.QuotaClass) (cursor quotafs.RecordCursor, err error)

	// CurrentCapacity samples volume-wide capacity facts.
	CurrentCapacity() (capacity quotafs.FilesystemCapacity)
}

// FindingSink receives findings as they are made, before the pass finishes.
// Both methods may be called more than once per pass and must not call back
// into the scrubber.
type FindingSink interface {
	ReportCorrupt(class quotafs.QuotaClass, fileOffset uint64)
	ReportWarning(class quotafs.QuotaClass, fileOffset uint64)
}

// Outcome summarizes a completed scrub pass. Corrupt means the metadata is
// definitely bad and needs repair; Warning means it is legal but suspect and
// worth administrator review. Both may be set.
type Outcome struct {
	Corrupt bool
	Warning bool
}

// Scrubber runs scrub passes against one target. The zero value plus a
// Target is ready to use.
type Scrubber struct {
	Target Target

	// Sink, if non-nil, receives findings as they are made.
	Sink FindingSink

	// RecordsPerSecond throttles the per-record phase of a quota pass. 0
	// means use the configured default (scrub.recordspersecond); a
	// negative value disables throttling outright.
	RecordsPerSecond int
}

// ScrubQuota checks the quota metadata for one class of a target volume.
func ScrubQuota(ctx context.Context, target Target, class quotafs.QuotaClass) (outcome Outcome, err error) {
	scrubber := &Scrubber{Target: target}
	return scrubber.ScrubQuota(ctx, class)
}
