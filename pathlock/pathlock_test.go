package pathlock

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestManagerSerializesSameKey(t *testing.T) {
	m := New[string]()

	var inside, maxInside atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			return m.WithLock("/mail/inbox", func() error {
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, m.Len())
}

func TestManagerDifferentKeysRunInParallel(t *testing.T) {
	m := New[string]()

	m.Lock("a")
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by lock on a")
	}
	m.Unlock("a")
}

func TestManagerReleasesOnError(t *testing.T) {
	m := New[int]()
	boom := errors.New("boom")

	err := m.WithLock(7, func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())

	// The key must be lockable again.
	require.NoError(t, m.WithLock(7, func() error { return nil }))
}

func TestManagerReleasesOnPanic(t *testing.T) {
	m := New[string]()

	func() {
		defer func() { _ = recover() }()
		_ = m.WithLock("k", func() error { panic("boom") })
	}()

	assert.Equal(t, 0, m.Len())
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	m := New[string]()
	assert.Panics(t, func() { m.Unlock("never") })
}

func TestWithLocksDeduplicatesAndOrders(t *testing.T) {
	m := New[string]()
	less := func(a, b string) bool { return a < b }

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		keys := []string{"b", "a", "b"}
		if i%2 == 0 {
			keys = []string{"a", "b"}
		}
		g.Go(func() error {
			return WithLocks(m, keys, less, func() error {
				if m.Len() < 2 {
					return errors.New("expected both keys held")
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, m.Len())
}

func TestFileLockerCrossProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uidlist")

	l := NewFileLocker(true)
	var counter int
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			return l.WithLock(path, func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 10, counter)
	assert.FileExists(t, path+".lock")
	assert.Equal(t, 0, l.Held())
}

func TestFileLockerNormalizesPath(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLocker(false)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(filepath.Join(dir, "x"), func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	acquired := make(chan struct{})
	go func() {
		_ = l.WithLock(filepath.Join(dir, "sub", "..", "x"), func() error {
			close(acquired)
			return nil
		})
	}()

	select {
	case <-acquired:
		t.Fatal("equivalent path acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-acquired
}
