package test

import (
	"fmt"
	"sync"
	"testing"
)

// Concurrent creates against one target must all land: each comment is
// its own row, so no append can clobber another.
func TestConcurrentCreatesSameTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency test in short mode")
	}
	s, cleanup := setupTestServer(t)
	defer cleanup()

	const writers = 8
	var wg sync.WaitGroup
	results := make([]createResult, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = tryCreateComment(s, "post-busy", fmt.Sprintf("writer %d", n))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, writers)
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("writer %d: %v", i, errs[i])
		}
		if seen[r.CommentID] {
			t.Fatalf("duplicate comment id %s", r.CommentID)
		}
		seen[r.CommentID] = true
	}

	thread := listComments(t, s, "post-busy")
	if len(thread) != writers {
		t.Errorf("thread has %d comments, want %d", len(thread), writers)
	}
}
