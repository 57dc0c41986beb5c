package pool_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/fake"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.PanicLevel)
	goleak.VerifyTestMain(m)
}

func newPool(max int, clock *fake.Clock) *pool.Pool {
	cfg := pool.DefaultConfig()
	cfg.MaxConnections = max
	cfg.IdleExpiry = time.Hour
	if clock != nil {
		cfg.Now = clock.Now
	}
	return pool.New(cfg)
}

func TestAcquireOpensAndReusesMostRecent(t *testing.T) {
	p := newPool(0, fake.NewClock())
	defer p.Close()
	o := fake.NewOwner("a", 80)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	require.NotSame(t, c1, c2)

	p.Release(o, c1)
	p.Release(o, c2)
	require.Equal(t, pool.Stats{Idle: 2, Destinations: 1}, p.Stats())

	got, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	assert.Same(t, c2, got, "most recently returned connection must be reused first")
	assert.Len(t, o.Opened(), 2)
}

func TestCapIsNeverExceeded(t *testing.T) {
	const max = 3
	p := newPool(max, nil)
	defer p.Close()
	owners := []*fake.Owner{fake.NewOwner("a", 1), fake.NewOwner("b", 2), fake.NewOwner("c", 3)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	violations := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := owners[i%len(owners)]
			for j := 0; j < 20; j++ {
				c, err := p.Acquire(context.Background(), o)
				if err != nil {
					t.Error(err)
					return
				}
				st := p.Stats()
				if st.Active+st.Idle+st.Opening > max {
					mu.Lock()
					violations++
					mu.Unlock()
				}
				if j%5 == 0 {
					p.Remove(o, c)
				} else {
					p.Release(o, c)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, violations)
	st := p.Stats()
	assert.LessOrEqual(t, st.Active+st.Idle, max)
	assert.Zero(t, st.Active)
}

func TestGlobalLRUEviction(t *testing.T) {
	clock := fake.NewClock()
	p := newPool(2, clock)
	defer p.Close()
	ctx := context.Background()
	oa, ob, oc := fake.NewOwner("a", 1), fake.NewOwner("b", 1), fake.NewOwner("c", 1)

	a, err := p.Acquire(ctx, oa)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ob)
	require.NoError(t, err)
	p.Release(oa, a)
	clock.Advance(time.Second)
	p.Release(ob, b)

	c, err := p.Acquire(ctx, oc)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, 1, a.(*fake.PoolConn).Closes(), "oldest idle connection is evicted")
	assert.Zero(t, b.(*fake.PoolConn).Closes())
	assert.Equal(t, pool.Stats{Active: 1, Idle: 1, Destinations: 3}, p.Stats())
}

func TestWaitersAreServedFIFO(t *testing.T) {
	p := newPool(1, nil)
	defer p.Close()
	o := fake.NewOwner("a", 1)
	ctx := context.Background()

	held, err := p.Acquire(ctx, o)
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := p.Acquire(ctx, o)
			if err != nil {
				t.Error(err)
				return
			}
			order <- id
			p.Release(o, c)
		}(i)
		require.Eventually(t, func() bool { return p.Stats().Waiting == i }, time.Second, time.Millisecond)
		// let the waiter enter the semaphore queue
		time.Sleep(20 * time.Millisecond)
	}

	p.Release(o, held)
	wg.Wait()
	close(order)
	var got []int
	for id := range order {
		got = append(got, id)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestAcquireTimesOut(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxConnections = 1
	cfg.WaitTimeout = 30 * time.Millisecond
	reg := prometheus.NewRegistry()
	cfg.Metrics = control.NewMetrics(reg)
	p := pool.New(cfg)
	defer p.Close()
	o := fake.NewOwner("a", 1)

	c, err := p.Acquire(context.Background(), o)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), o)
	require.ErrorIs(t, err, api.ErrPoolTimeout)
	assert.Equal(t, api.KindPoolTimeout, api.KindOf(err))

	st := p.Stats()
	assert.Equal(t, 1, st.Active, "timeout leaves pool state unchanged")
	assert.Zero(t, st.Waiting)
	p.Release(o, c)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP hioload_rpc_pool_timeouts_total Acquisitions that gave up waiting
# TYPE hioload_rpc_pool_timeouts_total counter
hioload_rpc_pool_timeouts_total 1
`), "hioload_rpc_pool_timeouts_total"))
}

func TestAcquireHonoursContext(t *testing.T) {
	p := newPool(1, nil)
	defer p.Close()
	o := fake.NewOwner("a", 1)
	_, err := p.Acquire(context.Background(), o)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, o)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsWaiters(t *testing.T) {
	p := newPool(1, nil)
	o := fake.NewOwner("a", 1)
	c, err := p.Acquire(context.Background(), o)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), o)
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	p.Close()
	require.ErrorIs(t, <-errc, api.ErrPoolClosed)

	p.Release(o, c)
	assert.Equal(t, 1, c.(*fake.PoolConn).Closes(), "leases returned after close are closed")
}

func TestRemoveIsIdempotent(t *testing.T) {
	p := newPool(2, nil)
	defer p.Close()
	o := fake.NewOwner("a", 1)
	ctx := context.Background()

	c, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	p.Remove(o, c)
	p.Remove(o, c)
	assert.Equal(t, pool.Stats{Destinations: 1}, p.Stats())

	// capacity released once: two more leases fit
	c1, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().Active)
	p.Release(o, c1)
	p.Release(o, c2)
}

func TestReleaseExpiresOldIdle(t *testing.T) {
	clock := fake.NewClock()
	cfg := pool.DefaultConfig()
	cfg.IdleExpiry = time.Minute
	cfg.Now = clock.Now
	p := pool.New(cfg)
	defer p.Close()
	oa, ob := fake.NewOwner("a", 1), fake.NewOwner("b", 1)
	ctx := context.Background()

	a, err := p.Acquire(ctx, oa)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ob)
	require.NoError(t, err)
	p.Release(oa, a)
	clock.Advance(2 * time.Minute)
	p.Release(ob, b)

	assert.Equal(t, 1, a.(*fake.PoolConn).Closes())
	assert.Zero(t, b.(*fake.PoolConn).Closes())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestDeadIdleConnectionIsSkipped(t *testing.T) {
	p := newPool(0, nil)
	defer p.Close()
	o := fake.NewOwner("a", 1)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	p.Release(o, c1)
	c1.(*fake.PoolConn).Kill()

	c2, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 1, c1.(*fake.PoolConn).Closes())
	assert.Equal(t, pool.Stats{Active: 1, Destinations: 1}, p.Stats())

	p.Release(o, c2)
	p.Detach(o)
	assert.Equal(t, pool.Stats{}, p.Stats())
}

func TestDropIdleForgetsOnlyIdle(t *testing.T) {
	p := newPool(1, nil)
	defer p.Close()
	o := fake.NewOwner("a", 1)
	ctx := context.Background()

	c, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	assert.False(t, p.DropIdle(c), "leased connection stays")
	p.Release(o, c)
	require.True(t, p.DropIdle(c))
	assert.False(t, p.DropIdle(c))
	assert.Zero(t, c.(*fake.PoolConn).Closes())
	assert.Equal(t, pool.Stats{Destinations: 1}, p.Stats())

	// the cap slot is free for a fresh connection
	next, err := p.Acquire(ctx, o)
	require.NoError(t, err)
	assert.NotSame(t, c, next)
	p.Release(o, next)
}

func TestDetachSharedDestination(t *testing.T) {
	p := newPool(0, nil)
	defer p.Close()
	ctx := context.Background()
	x := fake.NewOwner("shared", 443)
	y := fake.NewOwner("shared", 443)

	xActive, err := p.Acquire(ctx, x)
	require.NoError(t, err)
	yActive, err := p.Acquire(ctx, y)
	require.NoError(t, err)
	yIdle, err := p.Acquire(ctx, y)
	require.NoError(t, err)
	p.Release(y, yIdle)

	p.Detach(x)

	assert.Equal(t, 1, xActive.(*fake.PoolConn).Closes(), "detached owner's lease is reclaimed")
	assert.Zero(t, yActive.(*fake.PoolConn).Closes())
	assert.Zero(t, yIdle.(*fake.PoolConn).Closes(), "idle stays while another owner shares the key")
	assert.Equal(t, pool.Stats{Active: 1, Idle: 1, Destinations: 1}, p.Stats())

	p.Release(y, yActive)
	p.Detach(y)
	assert.Equal(t, 1, yActive.(*fake.PoolConn).Closes())
	assert.Equal(t, 1, yIdle.(*fake.PoolConn).Closes())
	assert.Equal(t, pool.Stats{}, p.Stats())
}

func TestOpenFailureReleasesCapacity(t *testing.T) {
	p := newPool(1, nil)
	defer p.Close()
	bad := fake.NewOwner("bad", 1)
	bad.OpenErr = errors.New("refused")

	_, err := p.Acquire(context.Background(), bad)
	require.Error(t, err)

	good := fake.NewOwner("good", 1)
	c, err := p.Acquire(context.Background(), good)
	require.NoError(t, err)
	p.Release(good, c)
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := pool.DefaultConfig()
	cfg.Metrics = control.NewMetrics(reg)
	p := pool.New(cfg)
	defer p.Close()
	o := fake.NewOwner("a", 1)

	c, err := p.Acquire(context.Background(), o)
	require.NoError(t, err)
	p.Release(o, c)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP hioload_rpc_pool_active_connections Pooled connections currently leased
# TYPE hioload_rpc_pool_active_connections gauge
hioload_rpc_pool_active_connections 0
# HELP hioload_rpc_pool_idle_connections Pooled connections available for reuse
# TYPE hioload_rpc_pool_idle_connections gauge
hioload_rpc_pool_idle_connections 1
`), "hioload_rpc_pool_active_connections", "hioload_rpc_pool_idle_connections"))
}
