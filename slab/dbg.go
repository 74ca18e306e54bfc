// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import "github.com/intuitivelabs/slog"

// DumpCache writes the cache's geometry and the three list heads to
// Log at debug level. It is a read-only diagnostic: it acquires the
// lock and mutates nothing.
func (c *Cache) DumpCache() {
	bigLock.Lock()
	defer bigLock.Unlock()

	const lev = slog.LDBG
	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, pDBG, "cache [%p]\n", c)
	Log.LLog(lev, 0, pDBG, "\tslab_order=%d\n", c.slabOrder)
	Log.LLog(lev, 0, pDBG, "\tobject_size=%d\n", c.objectSize)
	Log.LLog(lev, 0, pDBG, "\tobjects_per_slab=%d\n", c.objectsPerSlab)
	Log.LLog(lev, 0, pDBG, "\theader_offset=%d\n", c.headerOffset)
	Log.LLog(lev, 0, pDBG, "\tfree_list\t[%p]\n", c.free)
	Log.LLog(lev, 0, pDBG, "\tpartial_list\t[%p]\n", c.partial)
	Log.LLog(lev, 0, pDBG, "\tfull_list\t[%p]\n", c.full)
}

// DumpSlab writes the head slab of one list (its address, its next
// pointer and its free count) and every slot on that slab's free-list
// to Log at debug level. Slabs past the head are not walked.
func (c *Cache) DumpSlab(list ListKind) {
	bigLock.Lock()
	defer bigLock.Unlock()

	var head *slabHeader
	switch list {
	case ListFree:
		head = c.free
	case ListPartial:
		head = c.partial
	case ListFull:
		head = c.full
	}
	dumpSlabHeader(head)
}

func dumpSlabHeader(h *slabHeader) {
	const lev = slog.LDBG
	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, pDBG, "slab [%p]\n", h)
	if h == nil {
		return
	}
	Log.LLog(lev, 0, pDBG, "next slab [%p]\n", h.next)
	Log.LLog(lev, 0, pDBG, "free blocks (%d):\n", h.freeCount)

	idx := 1
	for s := h.head; s != nil; s = s.next {
		Log.LLog(lev, 0, pDBG, "\t[%d][%p]\n", idx, s)
		idx++
	}
}
