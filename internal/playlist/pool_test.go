package playlist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolSnapshotNeverTorn(t *testing.T) {
	p := NewPool(make([]string, 10))

	var wg sync.WaitGroup
	lengths := make(chan int, 200)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lengths <- len(p.Snapshot())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Replace(make([]string, 20))
	}()

	wg.Wait()
	close(lengths)

	for n := range lengths {
		assert.True(t, n == 10 || n == 20, "snapshot length must be old or new size, got %d", n)
	}
}

func TestPoolReplace(t *testing.T) {
	p := NewPool([]string{"a"})
	assert.Equal(t, 1, p.Len())
	p.Replace([]string{"b", "c"})
	assert.Equal(t, []string{"b", "c"}, p.Snapshot())
}
