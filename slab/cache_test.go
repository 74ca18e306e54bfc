// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import (
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Frogit-LeGushk/Slab-allocator-thread-safe/region"
)

// failingProvider never satisfies an allocation, for exercising the
// cache_alloc out-of-memory path without exhausting real memory.
type failingProvider struct{}

func (failingProvider) AllocAligned(order int) (uintptr, error) {
	return 0, fmt.Errorf("failingProvider: out of memory")
}
func (failingProvider) FreeAligned(aligned uintptr) {}

func newTestCache(t *testing.T, objectSize uintptr, slabOrder int) *Cache {
	t.Helper()
	c := &Cache{Provider: region.NewHeap()}
	c.Setup(objectSize, slabOrder)
	return c
}

// TestSetupGeometry is scenario 1: object_size=24, slab_order=0 ->
// stride=32, objects_per_slab=126, header_offset=4032.
func TestSetupGeometry(t *testing.T) {
	c := newTestCache(t, 24, 0)

	assert.EqualValues(t, 32, c.stride)
	assert.EqualValues(t, 126, c.objectsPerSlab)
	assert.EqualValues(t, 4032, c.headerOffset)
	require.NotNil(t, c.free)
	assert.EqualValues(t, 126, c.free.freeCount)
	assert.Nil(t, c.partial)
	assert.Nil(t, c.full)
}

// TestAllocateAll is scenario 2: allocate every object in the first
// slab; pointers are distinct, lie within the slab's object array at
// the right stride, and the slab ends up on FULL.
func TestAllocateAll(t *testing.T) {
	c := newTestCache(t, 24, 0)

	slabAddr := uintptr(unsafe.Pointer(c.free)) - c.headerOffset

	seen := make(map[uintptr]bool)
	for i := 0; i < int(c.objectsPerSlab); i++ {
		p := c.Alloc()
		require.NotNil(t, p)

		addr := uintptr(p)
		assert.False(t, seen[addr], "duplicate pointer at i=%d", i)
		seen[addr] = true

		assert.Equal(t, slabAddr, slabBase(p, c.slabSize))
		assert.True(t, addr >= slabAddr && addr < slabAddr+c.headerOffset)
		assert.EqualValues(t, linkCellSize, (addr-slabAddr)%c.stride)
	}

	assert.Nil(t, c.free)
	assert.Nil(t, c.partial)
	require.NotNil(t, c.full)
	assert.EqualValues(t, 0, c.full.freeCount)
}

// TestOverflowNewSlab is scenario 3: the (N+1)th alloc must format a
// new slab in a different aligned region.
func TestOverflowNewSlab(t *testing.T) {
	c := newTestCache(t, 24, 0)

	firstSlab := uintptr(unsafe.Pointer(c.free)) - c.headerOffset
	for i := 0; i < int(c.objectsPerSlab); i++ {
		require.NotNil(t, c.Alloc())
	}

	p := c.Alloc()
	require.NotNil(t, p)
	secondSlab := slabBase(p, c.slabSize)
	assert.NotEqual(t, firstSlab, secondSlab)

	require.NotNil(t, c.partial)
	assert.EqualValues(t, c.objectsPerSlab-1, c.partial.freeCount)
}

// TestFreeFromFull is scenario 4: freeing one pointer out of a FULL
// slab moves it to PARTIAL with a free-list length of one, and the
// next Alloc returns exactly that slot.
func TestFreeFromFull(t *testing.T) {
	c := newTestCache(t, 24, 0)

	ptrs := make([]unsafe.Pointer, c.objectsPerSlab)
	for i := range ptrs {
		ptrs[i] = c.Alloc()
		require.NotNil(t, ptrs[i])
	}
	require.NotNil(t, c.full)
	require.Nil(t, c.partial)

	freed := ptrs[62] // "the 63rd pointer"
	c.Free(freed)

	require.Nil(t, c.full)
	require.NotNil(t, c.partial)
	assert.EqualValues(t, 1, c.partial.freeCount)

	got := c.Alloc()
	assert.Equal(t, freed, got)
}

// TestReleaseReclaimsEverything is scenario 5.
func TestReleaseReclaimsEverything(t *testing.T) {
	c := &Cache{Provider: region.NewHeap()}
	c.Setup(24, 0)
	provider := c.Provider.(*region.HeapProvider)

	ptrs := make([]unsafe.Pointer, 200)
	for i := range ptrs {
		ptrs[i] = c.Alloc()
		require.NotNil(t, ptrs[i])
	}
	assert.True(t, provider.Outstanding() >= 2)

	for _, p := range ptrs {
		c.Free(p)
	}
	c.Release()

	assert.Equal(t, 0, provider.Outstanding())
}

// TestShrinkLeavesPartialAndFullUntouched verifies cache_shrink only
// ever touches FREE, by building a cache with one slab on each of the
// three lists.
func TestShrinkLeavesPartialAndFullUntouched(t *testing.T) {
	c := &Cache{Provider: region.NewHeap()}
	c.Setup(24, 0)
	provider := c.Provider.(*region.HeapProvider)

	// fill the first slab completely (-> FULL).
	for i := 0; i < int(c.objectsPerSlab); i++ {
		require.NotNil(t, c.Alloc())
	}
	require.NotNil(t, c.full)
	require.Nil(t, c.free)

	// a new second slab is formatted on this alloc and its single
	// allocated slot immediately moves it onto PARTIAL.
	p := c.Alloc()
	require.NotNil(t, p)
	require.NotNil(t, c.partial)

	// freeing that lone allocation brings the second slab back to
	// free_count == objects_per_slab, moving it PARTIAL -> FREE.
	c.Free(p)
	require.Nil(t, c.partial)
	require.NotNil(t, c.free)

	before := provider.Outstanding()
	c.Shrink()

	assert.Equal(t, before-1, provider.Outstanding(), "shrink must release the FREE slab")
	assert.Nil(t, c.free)
	require.NotNil(t, c.full)
	assert.Nil(t, c.partial)
}

// TestSetupRejectsContractViolations.
func TestSetupRejectsContractViolations(t *testing.T) {
	assert.Panics(t, func() {
		c := &Cache{Provider: region.NewHeap()}
		c.Setup(0, 0)
	})
	assert.Panics(t, func() {
		c := &Cache{Provider: region.NewHeap()}
		c.Setup(24, region.MaxOrder+1)
	})
	assert.Panics(t, func() {
		// an object bigger than even one slab cannot fit a single slot
		c := &Cache{Provider: region.NewHeap()}
		c.Setup(region.Size(0)*2, 0)
	})
}

// TestAllocReturnsNilOnProviderFailure exercises the underlying
// allocation failure path.
func TestAllocReturnsNilOnProviderFailure(t *testing.T) {
	c := &Cache{Provider: region.NewHeap()}
	c.Setup(24, 0)
	for i := 0; i < int(c.objectsPerSlab); i++ {
		require.NotNil(t, c.Alloc())
	}
	c.Provider = failingProvider{}

	assert.Nil(t, c.Alloc())
}

// TestReleaseThenSetupIsIndistinguishableFromFresh is the round-trip
// property from the spec.
func TestReleaseThenSetupIsIndistinguishableFromFresh(t *testing.T) {
	c := &Cache{Provider: region.NewHeap()}
	c.Setup(24, 0)

	for i := 0; i < 50; i++ {
		require.NotNil(t, c.Alloc())
	}
	c.Release()

	c.Provider = region.NewHeap()
	c.Setup(24, 0)

	assert.EqualValues(t, 126, c.objectsPerSlab)
	assert.EqualValues(t, 4032, c.headerOffset)
	require.NotNil(t, c.free)
	assert.EqualValues(t, 126, c.free.freeCount)
	assert.Nil(t, c.partial)
	assert.Nil(t, c.full)
}

// TestAllocFreePairingRestoresFreeCount: for any sequence where every
// returned pointer is eventually freed, every slab ends up back at
// free_count == objects_per_slab.
func TestAllocFreePairingRestoresFreeCount(t *testing.T) {
	c := &Cache{Provider: region.NewHeap()}
	c.Setup(24, 0)

	ptrs := make([]unsafe.Pointer, int(c.objectsPerSlab)*3)
	for i := range ptrs {
		ptrs[i] = c.Alloc()
		require.NotNil(t, ptrs[i])
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		c.Free(ptrs[i])
	}

	require.NotNil(t, c.free)
	assert.Nil(t, c.partial)
	assert.Nil(t, c.full)
	for s := c.free; s != nil; s = s.next {
		assert.EqualValues(t, c.objectsPerSlab, s.freeCount)
	}
}

// TestThreadStress is a scaled-down scenario 6: several goroutines
// alloc/free concurrently under the shared lock with no corruption and
// no invariant panics; the full-scale version lives in cmd/slabstress.
func TestThreadStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping thread stress test in short mode")
	}

	const objSize = 4096
	const goroutines = 10
	const perGoroutine = 50

	c := &Cache{Provider: region.NewHeap()}
	c.Setup(objSize, 2)
	provider := c.Provider.(*region.HeapProvider)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live := make([]unsafe.Pointer, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				p := c.Alloc()
				require.NotNil(t, p)
				live = append(live, p)
				if i%2 == 0 {
					c.Free(p)
					live = live[:len(live)-1]
				}
			}
			for _, p := range live {
				c.Free(p)
			}
		}()
	}
	wg.Wait()

	c.Release()
	assert.Equal(t, 0, provider.Outstanding())
}
