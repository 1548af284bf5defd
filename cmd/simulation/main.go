package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/cycle"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/exchange"
	"github.com/ksred/klear-trader/internal/idempotency"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/notify"
	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/ksred/klear-trader/internal/portfolio"
	"github.com/ksred/klear-trader/internal/position"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numBars    = 600
	numWorkers = 4
	// feedFailureRate makes the simulated feed fail often enough to trip the breaker
	feedFailureRate = 0.03
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// barClock is the simulated wall clock, moved forward one bar at a time
type barClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *barClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *barClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// routeStats tracks latency statistics for one cycle outcome
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the outcome
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// collector gathers per-outcome stats from concurrent workers
type collector struct {
	mu    sync.Mutex
	stats map[string]*routeStats
}

func (c *collector) record(name string, d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.stats[name]
	if !ok {
		rs = &routeStats{name: name}
		c.stats[name] = rs
	}
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

// printPerformanceStats outputs formatted latency statistics per outcome
func (c *collector) printPerformanceStats() {
	names := make([]string, 0, len(c.stats))
	for name := range c.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\n📊 Cycle Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Outcome", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, name := range names {
		stats := c.stats[name]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main drives the whole engine in process against the simulated feed and
// paper venue. Each bar several workers race for the cycle, then the relay
// delivers whatever the winner wrote to the outbox.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.Simulator.FailureRate = feedFailureRate
	cfg.Exchange.MinLatency = time.Millisecond
	cfg.Exchange.MaxLatency = 5 * time.Millisecond

	dir, err := os.MkdirTemp("", "klear-simulation")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create work dir")
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(filepath.Join(dir, "simulation.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	tf := cfg.Trading.Timeframe.Duration()
	// cycles run 20s into each bar
	clock := &barClock{now: time.Now().UTC().Truncate(tf).Add(20 * time.Second)}

	orderDB := trading.NewDatabase(db)
	outboxDB := outbox.NewDatabase(db)
	writer := outbox.NewWriter(outbox.NewGormUnitOfWork(db), outbox.JSONSerializer{}, clock)
	ledger := position.NewLedger(db)

	feed := marketdata.NewSimulator(cfg.Simulator, clock)
	account := portfolio.NewService(cfg.Trading.AccountID, cfg.StartingCash, ledger, orderDB, feed, clock)
	venue := exchange.NewPaperExchange(cfg.Exchange, feed, clock)
	alerts := &notify.Recorder{}

	orchestrator, err := cycle.NewOrchestrator(cfg.Trading, cycle.Dependencies{
		Strategy:    strategy.NewMACross(cfg.Trading.StrategyID, cfg.Strategy),
		MarketData:  feed,
		Accounts:    account,
		Orders:      orderDB,
		Risk:        risk.NewService(clock),
		Idempotency: idempotency.NewService(db),
		Saver:       writer,
		Snapshots:   cycle.NewDatabase(db),
		Notifier:    notify.Multi{notify.NewLogNotifier(), alerts},
		Clock:       clock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}
	dispatcher := exchange.NewDispatcher(orderDB, writer, venue, ledger, clock)
	relay := outbox.NewRelay(outboxDB, dispatcher, cfg.Outbox, clock)

	ctx := context.Background()
	stats := &collector{stats: make(map[string]*routeStats)}
	circuitResets := 0
	relayed := 0
	start := time.Now()

	orchestrator.Start()
	fmt.Printf("Simulating %d bars of %s %s with %d workers\n", numBars, cfg.Trading.Market, cfg.Trading.Timeframe, numWorkers)

	for bar := 0; bar < numBars; bar++ {
		var wg sync.WaitGroup
		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				began := time.Now()
				res, err := orchestrator.RunCycle(ctx)
				stats.record(string(res.Outcome), time.Since(began), err != nil)
			}()
		}
		wg.Wait()

		res, err := relay.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Int("bar", bar).Msg("Relay pass failed")
		}
		relayed += res.Published

		// An open circuit needs an operator; the simulation plays one
		if orchestrator.State() == cycle.StateCircuitOpen {
			orchestrator.Stop()
			orchestrator.Start()
			circuitResets++
		}

		clock.advance(tf)
	}

	// Drain anything still pending once retries come due
	for i := 0; i < cfg.Outbox.MaxAttempts; i++ {
		clock.advance(cfg.Outbox.MaxDelay)
		res, err := relay.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Relay pass failed")
			break
		}
		relayed += res.Published
	}

	metrics := orchestrator.Metrics()
	snapshot, err := account.Snapshot(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to snapshot account")
	}
	counts, err := outboxDB.Counts(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to count outbox messages")
	}
	orders, err := orderDB.ListOrders(ctx, trading.ListFilter{Market: cfg.Trading.Market, Limit: 1000})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list orders")
	}
	byStatus := make(map[trading.Status]int)
	for _, o := range orders {
		byStatus[o.Status()]++
	}

	// Print summary
	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Cycle Statistics
------------------
Cycles:           %d
Failures:         %d
Circuit Resets:   %d
Alerts:           %d
Messages Relayed: %d
Outbox Pending:   %d
Dead Lettered:    %d
Duration:         %v

💰 Account
------------------
Cash:             %s
Exposure:         %s
Equity:           %s
Realized PnL:     %s
Unrealized PnL:   %s

📈 Outcome Distribution
--------------------
`, metrics.CyclesTotal, metrics.TotalFailures, circuitResets, len(alerts.Messages()),
		relayed, counts.Pending, counts.DeadLettered, duration.Round(time.Millisecond),
		snapshot.Cash.StringFixed(0), snapshot.Exposure.StringFixed(0), snapshot.Equity.StringFixed(0),
		snapshot.RealizedPnL.StringFixed(0), snapshot.UnrealizedPnL.StringFixed(0))

	// Print outcome distribution with simple ASCII bar chart
	var maxCount int64
	outcomes := make([]string, 0, len(metrics.Outcomes))
	for outcome, count := range metrics.Outcomes {
		outcomes = append(outcomes, string(outcome))
		if count > maxCount {
			maxCount = count
		}
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		count := metrics.Outcomes[cycle.Outcome(outcome)]
		bar := strings.Repeat("█", int(float64(count)/float64(maxCount)*20))
		fmt.Printf("%-18s: %s (%d)\n", outcome, bar, count)
	}

	fmt.Println("\n📉 Order Status Distribution")
	fmt.Println("------------------")
	for status, count := range byStatus {
		bar := strings.Repeat("█", int(float64(count)/float64(len(orders))*20))
		fmt.Printf("%-16s: %s (%d)\n", status, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	stats.printPerformanceStats()
}
