// Command gomfa-loadtest drives pending-session verification under
// contention and checks that attempt ceilings and single-use completion
// hold.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

type loadUser struct {
	id     string
	secret string
}

func main() {
	var (
		users       = flag.Int("users", 200, "number of users to enroll")
		sessions    = flag.Int("sessions", 2000, "pending sessions per phase")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		contenders  = flag.Int("contenders", 8, "concurrent submissions per pending session")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *sessions <= 0 || *concurrency <= 0 || *contenders <= 0 {
		fmt.Fprintln(os.Stderr, "users, sessions, concurrency, and contenders must be > 0")
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

	cfg := goMFA.DefaultConfig()
	cfg.Encryption.Key = "loadtest-only-passphrase-not-for-production"
	engine, err := goMFA.New().
		WithConfig(cfg).
		WithRedis(client).
		WithCredentialStore(memory.New()).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("enrolling %d users...\n", *users)
	startSeed := time.Now()
	seeded := make([]loadUser, *users)
	for i := range seeded {
		u, err := enroll(ctx, engine, fmt.Sprintf("user-%d", i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "enroll failed: %v\n", err)
			os.Exit(1)
		}
		seeded[i] = u
	}
	fmt.Printf("enrolled in %s\n", time.Since(startSeed).Round(time.Millisecond))

	ceiling := cfg.Pending.TOTPMaxAttempts
	lockout := runContentionPhase(ctx, engine, seeded, *sessions, *concurrency, *contenders, ceiling, false)
	completion := runContentionPhase(ctx, engine, seeded, *sessions, *concurrency, *contenders, 1, true)

	fmt.Println("---- results ----")
	printStats("wrong-code", lockout)
	printStats("right-code", completion)
	if lockout.violations > 0 || completion.violations > 0 {
		os.Exit(1)
	}
}

func enroll(ctx context.Context, engine *goMFA.Engine, userID string) (loadUser, error) {
	enrollment, err := engine.GenerateTOTPSecret(ctx, userID, "load", "")
	if err != nil {
		return loadUser{}, err
	}
	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		return loadUser{}, err
	}
	a, err := engine.AddTOTPAuthenticator(ctx, enrollment.AuthenticatorID, code)
	if err != nil {
		return loadUser{}, err
	}
	if a == nil {
		return loadUser{}, errors.New("enrollment code rejected")
	}
	if _, err := engine.Enable(ctx, userID, goMFA.MethodTOTP); err != nil {
		return loadUser{}, err
	}
	return loadUser{id: userID, secret: enrollment.Secret}, nil
}

// runContentionPhase opens one pending session per op and races contenders
// submissions against it. A session may never accept more than limit
// evaluated submissions (wrong codes) or more than one success (right
// codes); each breach counts as a violation.
func runContentionPhase(ctx context.Context, engine *goMFA.Engine, users []loadUser, ops, concurrency, contenders, limit int, correct bool) phaseStats {
	var (
		wg         sync.WaitGroup
		cursor     int64
		failures   int64
		violations int64
		latencies  = make([]time.Duration, 0, ops*contenders)
		mu         sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				u := users[i%len(users)]
				session, err := engine.CreatePendingSession(ctx, u.id)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}

				code, err := codeFor(u.secret, correct)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}

				var accepted int64
				var inner sync.WaitGroup
				for c := 0; c < contenders; c++ {
					inner.Add(1)
					go func() {
						defer inner.Done()
						t0 := time.Now()
						result, err := engine.VerifyTOTP(ctx, session.ID, code)
						d := time.Since(t0)
						switch {
						case err == nil && (correct == result.Success):
							atomic.AddInt64(&accepted, 1)
						case err != nil && goMFA.ErrorKind(err) == goMFA.KindInternal:
							atomic.AddInt64(&failures, 1)
						}
						mu.Lock()
						latencies = append(latencies, d)
						mu.Unlock()
					}()
				}
				inner.Wait()

				if accepted > int64(limit) {
					atomic.AddInt64(&violations, 1)
				}
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	stats := computeStats(total, latencies, failures)
	stats.violations = violations
	return stats
}

// codeFor returns the current code, or a code outside the acceptance
// window when correct is false.
func codeFor(secret string, correct bool) (string, error) {
	now := time.Now()
	current, err := totp.GenerateCode(secret, now)
	if err != nil || correct {
		return current, err
	}
	window := map[string]bool{current: true}
	for _, off := range []time.Duration{-30 * time.Second, 30 * time.Second} {
		c, err := totp.GenerateCode(secret, now.Add(off))
		if err != nil {
			return "", err
		}
		window[c] = true
	}
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%06d", n)
		if !window[candidate] {
			return candidate, nil
		}
	}
}

type phaseStats struct {
	total      time.Duration
	ops        int
	failures   int64
	violations int64
	p50        time.Duration
	p95        time.Duration
	p99        time.Duration
	opsPerS    float64
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
	fmt.Printf("%s: submissions=%d failures=%d violations=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.violations,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
