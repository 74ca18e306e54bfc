// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Command slabstress drives the slab allocator the way the original
// demo driver did: a pool of goroutines each allocate and free 1 MiB
// objects concurrently, then the cache is released and a couple of
// dump calls show what DumpCache/DumpSlab print.
package main

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/Frogit-LeGushk/Slab-allocator-thread-safe/slab"
)

const objectSize = 1 << 20 // 1 MiB
const allocsPerGoroutine = 50
const goroutineCount = 10

func routine(cache *slab.Cache, wg *sync.WaitGroup) {
	defer wg.Done()

	ptrs := make([]uintptr, 0, allocsPerGoroutine)
	for i := 0; i < allocsPerGoroutine; i++ {
		p := cache.Alloc()
		if p == nil {
			panic("slabstress: cache_alloc returned nil")
		}
		buf := unsafe.Slice((*uint32)(p), objectSize/4)
		for j := range buf {
			buf[j] = uint32(j)
		}
		for j := range buf {
			if buf[j] != uint32(j) {
				panic("slabstress: corrupted object")
			}
		}

		ptrs = append(ptrs, uintptr(p))
		if i%2 == 0 {
			cache.Free(p)
			ptrs = ptrs[:len(ptrs)-1]
		}
	}

	for _, p := range ptrs {
		cache.Free(unsafe.Pointer(p))
	}
}

func main() {
	var cache slab.Cache
	cache.SetupDefault(objectSize)

	var wg sync.WaitGroup
	for i := 0; i < goroutineCount; i++ {
		wg.Add(1)
		go routine(&cache, &wg)
	}
	wg.Wait()

	cache.Release()

	// demonstrate the dump routines
	cache.SetupDefault(objectSize)
	cache.DumpCache()

	fmt.Println("Free slab state:")
	cache.DumpSlab(slab.ListFree)

	fmt.Println("Partially busy slab state:")
	cache.DumpSlab(slab.ListPartial)

	p1 := cache.Alloc()
	p2 := cache.Alloc()

	fmt.Println("Free slab state:")
	cache.DumpSlab(slab.ListFree)

	fmt.Println("Partially busy slab state:")
	cache.DumpSlab(slab.ListPartial)

	cache.Free(p1)
	cache.Free(p2)

	fmt.Println("Free slab state:")
	cache.DumpSlab(slab.ListFree)

	fmt.Println("Partially busy slab state:")
	cache.DumpSlab(slab.ListPartial)

	cache.Release()
}
