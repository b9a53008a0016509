package engine

import (
	"runtime"
	"sync"
)

// minParallelItems is the work size below which forEachChunk runs inline.
const minParallelItems = 256

// forEachChunk splits [0,n) into contiguous chunks and runs fn on each.
// Every index is owned by exactly one worker.
func forEachChunk(n, workers int, fn func(start, end int)) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers == 1 || n < minParallelItems {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	chunkSize := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
