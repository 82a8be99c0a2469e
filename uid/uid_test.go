package uid

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
	"golang.org/x/sync/errgroup"
)

// memStore is a Store keeping last UIDs in a map.
type memStore struct {
	mu    sync.Mutex
	last  map[string]imap.UID
	reads int
}

func newMemStore() *memStore {
	return &memStore{last: make(map[string]imap.UID)}
}

func (s *memStore) LastUID(_ context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.last[mbox.ID], nil
}

func (s *memStore) IncrementLastUID(_ context.Context, mbox *mailstore.Mailbox) (imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[mbox.ID]++
	return s.last[mbox.ID], nil
}

type failingStore struct{ err error }

func (s failingStore) LastUID(context.Context, *mailstore.Mailbox) (imap.UID, error) {
	return 0, s.err
}

func (s failingStore) IncrementLastUID(context.Context, *mailstore.Mailbox) (imap.UID, error) {
	return 0, s.err
}

func testMailbox(id string) *mailstore.Mailbox {
	return &mailstore.Mailbox{
		ID:          id,
		Path:        mailstore.InboxPath("alice"),
		UIDValidity: 42,
	}
}

// assertMonotonic issues calls*workers NextUID calls concurrently and checks
// that every value is distinct and the highest equals LastUID.
func assertMonotonic(t *testing.T, p mailstore.UidProvider, mbox *mailstore.Mailbox, start imap.UID) {
	t.Helper()
	ctx := context.Background()
	const workers, calls = 8, 50

	results := make([][]imap.UID, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < calls; i++ {
				u, err := p.NextUID(ctx, mbox)
				if err != nil {
					return err
				}
				if len(results[w]) > 0 && u <= results[w][len(results[w])-1] {
					return errors.New("uid not increasing within caller")
				}
				results[w] = append(results[w], u)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[imap.UID]bool)
	var highest imap.UID
	for _, rs := range results {
		for _, u := range rs {
			require.False(t, seen[u], "uid %d returned twice", u)
			seen[u] = true
			if u > highest {
				highest = u
			}
			assert.Greater(t, u, start)
		}
	}
	assert.Len(t, seen, workers*calls)

	last, err := p.LastUID(ctx, mbox)
	require.NoError(t, err)
	assert.Equal(t, highest, last)
	assert.Equal(t, start+imap.UID(workers*calls), last)
}

func TestDirectProviderMonotonic(t *testing.T) {
	store := newMemStore()
	store.last["m1"] = 10
	assertMonotonic(t, NewDirect(store), testMailbox("m1"), 10)
}

func TestCachingProviderMonotonic(t *testing.T) {
	store := newMemStore()
	store.last["m1"] = 7
	p := NewCaching(store, nil)
	assertMonotonic(t, p, testMailbox("m1"), 7)

	// Seeded once, then served from memory.
	assert.Equal(t, 1, store.reads)
}

func TestCachingProviderPerMailbox(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.last["b"] = 100
	p := NewCaching(store, nil)

	a, err := p.NextUID(ctx, testMailbox("a"))
	require.NoError(t, err)
	b, err := p.NextUID(ctx, testMailbox("b"))
	require.NoError(t, err)

	assert.Equal(t, imap.UID(1), a)
	assert.Equal(t, imap.UID(101), b)
}

func TestCachingProviderInvalidate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := NewCaching(store, nil)
	mbox := testMailbox("m")

	_, err := p.NextUID(ctx, mbox)
	require.NoError(t, err)

	store.last["m"] = 50
	p.Invalidate(mbox)

	u, err := p.NextUID(ctx, mbox)
	require.NoError(t, err)
	assert.Equal(t, imap.UID(51), u)
}

func TestCachingProviderNewValidityReseeds(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := NewCaching(store, nil)
	mbox := testMailbox("m")

	for i := 0; i < 3; i++ {
		_, err := p.NextUID(ctx, mbox)
		require.NoError(t, err)
	}

	reset := mbox.Clone()
	reset.UIDValidity++
	u, err := p.NextUID(ctx, reset)
	require.NoError(t, err)
	assert.Equal(t, imap.UID(1), u)
}

func TestProvidersPropagateStoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk gone")
	store := failingStore{err: boom}

	_, err := NewDirect(store).NextUID(ctx, testMailbox("m"))
	assert.ErrorIs(t, err, boom)

	_, err = NewCaching(store, nil).NextUID(ctx, testMailbox("m"))
	assert.ErrorIs(t, err, boom)
}

// fakeRedis is an in-process server answering the commands RedisProvider
// issues.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]int64
	srv  *redcon.Server
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	f := &fakeRedis{data: make(map[string]int64)}
	f.srv = redcon.NewServerNetwork("tcp", "127.0.0.1:0", f.handle,
		func(redcon.Conn) bool { return true },
		func(redcon.Conn, error) {})

	errc := make(chan error, 1)
	go func() { _ = f.srv.ListenServeAndSignal(errc) }()
	require.NoError(t, <-errc)
	t.Cleanup(func() { _ = f.srv.Close() })
	return f
}

func (f *fakeRedis) addr() string {
	return f.srv.Addr().(*net.TCPAddr).String()
}

func (f *fakeRedis) handle(conn redcon.Conn, cmd redcon.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := strings.ToLower(string(cmd.Args[0]))
	switch {
	case name == "ping":
		conn.WriteString("PONG")
	case name == "client":
		conn.WriteString("OK")
	case name == "setnx" && len(cmd.Args) == 3:
		key := string(cmd.Args[1])
		if _, ok := f.data[key]; ok {
			conn.WriteInt(0)
			return
		}
		n, err := strconv.ParseInt(string(cmd.Args[2]), 10, 64)
		if err != nil {
			conn.WriteError("ERR value is not an integer")
			return
		}
		f.data[key] = n
		conn.WriteInt(1)
	case name == "incr" && len(cmd.Args) == 2:
		key := string(cmd.Args[1])
		f.data[key]++
		conn.WriteInt64(f.data[key])
	case name == "get" && len(cmd.Args) == 2:
		n, ok := f.data[string(cmd.Args[1])]
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulkString(strconv.FormatInt(n, 10))
	case name == "del":
		removed := 0
		for _, k := range cmd.Args[1:] {
			if _, ok := f.data[string(k)]; ok {
				delete(f.data, string(k))
				removed++
			}
		}
		conn.WriteInt(removed)
	default:
		conn.WriteError("ERR unknown command '" + name + "'")
	}
}

func newRedisClient(t *testing.T, f *fakeRedis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: f.addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisProviderMonotonic(t *testing.T) {
	f := startFakeRedis(t)
	store := newMemStore()
	store.last["m1"] = 5

	p := NewRedis(newRedisClient(t, f), store, "", nil)
	assertMonotonic(t, p, testMailbox("m1"), 5)
}

func TestRedisProviderSharedAcrossClients(t *testing.T) {
	ctx := context.Background()
	f := startFakeRedis(t)
	store := newMemStore()
	mbox := testMailbox("shared")

	p1 := NewRedis(newRedisClient(t, f), store, "test:", nil)
	p2 := NewRedis(newRedisClient(t, f), store, "test:", nil)

	u1, err := p1.NextUID(ctx, mbox)
	require.NoError(t, err)
	u2, err := p2.NextUID(ctx, mbox)
	require.NoError(t, err)
	u3, err := p1.NextUID(ctx, mbox)
	require.NoError(t, err)

	assert.Equal(t, []imap.UID{1, 2, 3}, []imap.UID{u1, u2, u3})
}

func TestRedisProviderLastUIDFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := startFakeRedis(t)
	store := newMemStore()
	store.last["cold"] = 9

	p := NewRedis(newRedisClient(t, f), store, "", nil)
	last, err := p.LastUID(ctx, testMailbox("cold"))
	require.NoError(t, err)
	assert.Equal(t, imap.UID(9), last)
}

func TestRedisProviderInvalidate(t *testing.T) {
	ctx := context.Background()
	f := startFakeRedis(t)
	store := newMemStore()
	mbox := testMailbox("m")

	p := NewRedis(newRedisClient(t, f), store, "", nil)
	_, err := p.NextUID(ctx, mbox)
	require.NoError(t, err)

	store.last["m"] = 30
	p.Invalidate(mbox)

	u, err := p.NextUID(ctx, mbox)
	require.NoError(t, err)
	assert.Equal(t, imap.UID(31), u)
}
