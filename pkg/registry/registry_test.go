package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct{ id int }

func TestAllocateGetRelease(t *testing.T) {
	r, err := New[session](2)
	require.NoError(t, err)

	h, err := r.Allocate(&session{id: 1})
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Equal(t, 1, r.Live())

	got, err := r.Get(h)
	require.NoError(t, err)
	assert.Equal(t, 1, got.id)

	v, err := r.Release(h)
	require.NoError(t, err)
	assert.Equal(t, 1, v.id)
	assert.Equal(t, 0, r.Live())

	_, err = r.Get(h)
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	_, err = r.Release(h)
	assert.True(t, errors.Is(err, ErrInvalidHandle))
}

func TestExhausted(t *testing.T) {
	r, err := New[session](1)
	require.NoError(t, err)
	_, err = r.Allocate(&session{})
	require.NoError(t, err)

	_, err = r.Allocate(&session{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	var re *RegistryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CodeExhausted, re.Code)
}

func TestStaleHandleAfterReuse(t *testing.T) {
	r, err := New[session](1)
	require.NoError(t, err)

	h1, err := r.Allocate(&session{id: 1})
	require.NoError(t, err)
	_, err = r.Release(h1)
	require.NoError(t, err)

	h2, err := r.Allocate(&session{id: 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "reused slot must carry a new generation")

	_, err = r.Get(h1)
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	got, err := r.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.id)
}

func TestForgedHandles(t *testing.T) {
	r, err := New[session](4)
	require.NoError(t, err)
	for _, h := range []Handle{0, makeHandle(0, 2), makeHandle(99, 1)} {
		_, err := r.Get(h)
		assert.True(t, errors.Is(err, ErrInvalidHandle), "handle %s", h)
	}
}

func TestNew_Capacity(t *testing.T) {
	_, err := New[session](0)
	assert.Error(t, err)
}

// 50 concurrent callers against capacity 100: all handles are distinct and
// no caller waits on another.
func TestConcurrentAllocateUnique(t *testing.T) {
	const callers = 50
	r, err := New[session](100)
	require.NoError(t, err)

	handles := make([]Handle, callers)
	waits := make([]time.Duration, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			t0 := time.Now()
			h, err := r.Allocate(&session{id: i})
			waits[i] = time.Since(t0)
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[Handle]bool, callers)
	for i, h := range handles {
		assert.False(t, seen[h], "duplicate handle %s", h)
		seen[h] = true
		v, err := r.Get(h)
		require.NoError(t, err)
		assert.Equal(t, i, v.id)
	}
	assert.Equal(t, callers, r.Live())
	for _, w := range waits {
		// Generous: scheduling noise, not lock waits.
		assert.Less(t, w, 100*time.Millisecond)
	}
}

func TestConcurrentChurn(t *testing.T) {
	r, err := New[session](8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				h, err := r.Allocate(&session{id: g})
				if err != nil {
					continue
				}
				v, err := r.Get(h)
				if err != nil || v.id != g {
					t.Errorf("goroutine %d read %v (%v)", g, v, err)
					return
				}
				if _, err := r.Release(h); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Live())

	// Every slot is back on the free list.
	for i := 0; i < r.Capacity(); i++ {
		_, err := r.Allocate(&session{})
		require.NoError(t, err)
	}
}

func TestRange(t *testing.T) {
	r, err := New[session](4)
	require.NoError(t, err)
	h1, _ := r.Allocate(&session{id: 1})
	_, _ = r.Allocate(&session{id: 2})
	_, _ = r.Release(h1)

	var ids []int
	r.Range(func(_ Handle, v *session) bool {
		ids = append(ids, v.id)
		return true
	})
	assert.Equal(t, []int{2}, ids)
}

// Optional latency check; not part of correctness.
func BenchmarkAllocateRelease(b *testing.B) {
	r, err := New[session](1024)
	if err != nil {
		b.Fatal(err)
	}
	v := &session{}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, err := r.Allocate(v)
			if err != nil {
				continue
			}
			_, _ = r.Release(h)
		}
	})
}

func BenchmarkGet(b *testing.B) {
	r, err := New[session](1024)
	if err != nil {
		b.Fatal(err)
	}
	h, err := r.Allocate(&session{})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = r.Get(h)
		}
	})
}
