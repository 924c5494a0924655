package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goRefresh "github.com/MrEthical07/goRefresh"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type familyState struct {
	sid   string
	token string
	stale string
	mu    sync.Mutex
}

func main() {
	var (
		sessions    = flag.Int("sessions", 10000, "number of families to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase (rotate + replay)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "rt", "redis key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := goRefresh.HighThroughputConfig()
	cfg.Token.RedisPrefix = *prefix
	cfg.Audit.Enabled = false
	cfg.Metrics.EnableLatencyHistograms = true
	engine, err := goRefresh.New().WithConfig(cfg).WithRedis(client).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]familyState, *sessions)
	fmt.Printf("seeding %d families...\n", *sessions)
	startSeed := time.Now()
	for i := 0; i < *sessions; i++ {
		sid := fmt.Sprintf("sess-%08d", i)
		res, err := engine.Issue(ctx, sid, fmt.Sprintf("user-%08d", i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = familyState{sid: sid, token: res.RefreshToken}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	rotateStats := runRotatePhase(ctx, engine, states, *ops, *concurrency)
	replayStats := runReplayPhase(ctx, engine, states, *ops, *concurrency)

	snap := engine.MetricsSnapshot()
	fmt.Println("---- results ----")
	printStats("rotate", rotateStats)
	printStats("replay", replayStats)
	fmt.Printf("replays=%d families_burned=%d tokens_revoked=%d\n",
		snap.Counters[goRefresh.MetricReplayDetected],
		snap.Counters[goRefresh.MetricFamilyBurned],
		snap.Counters[goRefresh.MetricTokensRevoked],
	)
}

// runRotatePhase rotates random families. Each family is locked so every
// rotation presents the current token; stale keeps the previous one for the
// replay phase.
func runRotatePhase(ctx context.Context, engine *goRefresh.Engine, states []familyState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, 6151, func(r *rand.Rand) error {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		defer state.mu.Unlock()

		res, err := engine.Rotate(ctx, state.token, state.sid)
		if err != nil {
			return err
		}
		state.stale = state.token
		state.token = res.RefreshToken
		return nil
	})
}

// runReplayPhase presents consumed tokens. Only ErrReplayDetected counts as
// success.
func runReplayPhase(ctx context.Context, engine *goRefresh.Engine, states []familyState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, 7919, func(r *rand.Rand) error {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		stale := state.stale
		state.mu.Unlock()
		if stale == "" {
			return nil
		}
		if _, err := engine.Rotate(ctx, stale, state.sid); !errors.Is(err, goRefresh.ErrReplayDetected) {
			return fmt.Errorf("expected replay detection, got %v", err)
		}
		return nil
	})
}

func runPhase(ops, concurrency int, seed int64, op func(*rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
