package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/termlink/broker/internal/auth"
	"github.com/termlink/broker/pkg/client"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	BrokerURL      string
	TokenSecret    string
	RunnerSecret   string
	NumCycles      int
	Concurrency    int
	FramesPerCycle int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalCycles         uint64
	SuccessfulCycles    uint64
	FailedCycles        uint64
	FramesEchoed        uint64
	TotalDuration       time.Duration
	AvgPairLatency      time.Duration
	MaxPairLatency      time.Duration
	MinPairLatency      time.Duration
	P95PairLatency      time.Duration
	P99PairLatency      time.Duration
	ThroughputPerSecond float64
}

func main() {
	brokerURL := flag.String("broker", "ws://localhost:8080/ws", "Broker websocket endpoint")
	tokenSecret := flag.String("token-secret", "", "App token secret (must match the broker's BROKER_TOKEN_SECRET)")
	runnerSecret := flag.String("runner-secret", "termlink-dev-runner-secret", "Runner secret known to the broker")
	numCycles := flag.Int("cycles", 500, "Number of pairing cycles to run")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	frames := flag.Int("frames", 10, "Terminal frames to echo per session")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	if *tokenSecret == "" {
		slog.Error("missing -token-secret; the load test mints its own app tokens")
		os.Exit(1)
	}

	config := LoadTestConfig{
		BrokerURL:      *brokerURL,
		TokenSecret:    *tokenSecret,
		RunnerSecret:   *runnerSecret,
		NumCycles:      *numCycles,
		Concurrency:    *concurrency,
		FramesPerCycle: *frames,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting Pairing Load Test")
	slog.Info("Target", "broker", config.BrokerURL)
	slog.Info("Cycles", "num_cycles", config.NumCycles)
	slog.Info("Concurrency", "concurrency", config.Concurrency)
	slog.Info("Frames per session", "frames", config.FramesPerCycle)
	stats := runLoadTest(config)

	printResults(stats)
}

// runLoadTest drives NumCycles full pairing cycles through a worker
// pool. One cycle is: runner registers, app authenticates and pairs,
// a terminal session echoes frames, the app unpairs.
func runLoadTest(config LoadTestConfig) *LoadTestStats {
	tokens := auth.NewVerifier(auth.VerifierConfig{Secret: config.TokenSecret})

	stats := &LoadTestStats{
		MinPairLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	cycleChan := make(chan int, config.NumCycles)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for cycleID := range cycleChan {
				runCycle(ctx, config, tokens, workerID, cycleID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumCycles; i++ {
		cycleChan <- i
	}
	close(cycleChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalCycles) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgPairLatency = calculateAverage(latencies)
		stats.P95PairLatency = calculatePercentile(latencies, 95)
		stats.P99PairLatency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func runCycle(
	ctx context.Context,
	config LoadTestConfig,
	tokens *auth.Verifier,
	workerID, cycleID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	atomic.AddUint64(&stats.TotalCycles, 1)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	runnerID := fmt.Sprintf("lt-runner-%d-%d", workerID, cycleID)
	appID := fmt.Sprintf("lt-app-%d-%d", workerID, cycleID)

	// The runner echoes every input frame straight back as output.
	var runner *client.Runner
	runner = client.NewRunner(client.RunnerConfig{
		BrokerURL: config.BrokerURL,
		RunnerID:  runnerID,
		Secret:    config.RunnerSecret,
		OnInput: func(sessionID string, data []byte) {
			runner.SendOutput(sessionID, data)
		},
	})
	if err := runner.Connect(ctx); err != nil {
		fail(stats, "runner connect", err)
		return
	}
	defer runner.Close()

	token, err := tokens.Issue(appID, time.Hour)
	if err != nil {
		fail(stats, "issue token", err)
		return
	}

	echoes := make(chan struct{}, config.FramesPerCycle)
	app := client.NewApp(client.AppConfig{
		BrokerURL: config.BrokerURL,
		Token:     token,
		OnOutput: func(sessionID string, data []byte) {
			echoes <- struct{}{}
		},
	})
	if err := app.Connect(ctx); err != nil {
		fail(stats, "app connect", err)
		return
	}
	defer app.Close()

	// The measured operation: exchanging a code for a binding.
	start := time.Now()
	_, err = app.Pair(ctx, runner.Code())
	latency := time.Since(start)
	if err != nil {
		fail(stats, "pair", err)
		return
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxPairLatency {
		stats.MaxPairLatency = latency
	}
	if latency < stats.MinPairLatency {
		stats.MinPairLatency = latency
	}
	latenciesMu.Unlock()

	sessionID, err := app.ConnectRunner(ctx, runnerID, "")
	if err != nil {
		fail(stats, "connect runner", err)
		return
	}

	for i := 0; i < config.FramesPerCycle; i++ {
		if err := app.SendInput(sessionID, []byte(fmt.Sprintf("frame %d\n", i))); err != nil {
			fail(stats, "send input", err)
			return
		}
	}
	for i := 0; i < config.FramesPerCycle; i++ {
		select {
		case <-echoes:
			atomic.AddUint64(&stats.FramesEchoed, 1)
		case <-ctx.Done():
			fail(stats, "echo wait", ctx.Err())
			return
		}
	}

	if _, err := app.Unpair(ctx); err != nil {
		fail(stats, "unpair", err)
		return
	}

	atomic.AddUint64(&stats.SuccessfulCycles, 1)
}

func fail(stats *LoadTestStats, op string, err error) {
	atomic.AddUint64(&stats.FailedCycles, 1)
	slog.Debug("cycle failed", "op", op, "error", err)
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalCycles)
			success := atomic.LoadUint64(&stats.SuccessfulCycles)
			failed := atomic.LoadUint64(&stats.FailedCycles)
			frames := atomic.LoadUint64(&stats.FramesEchoed)

			slog.Warn("Progress", "total", total, "success", success, "failed", failed, "frames_echoed", frames, "min_pair_latency", stats.MinPairLatency, "max_pair_latency", stats.MaxPairLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 PAIRING LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Cycles:           %d\n", stats.TotalCycles)
	fmt.Printf("Successful Cycles:      %d (%.2f%%)\n",
		stats.SuccessfulCycles,
		float64(stats.SuccessfulCycles)/float64(stats.TotalCycles)*100)
	fmt.Printf("Failed Cycles:          %d (%.2f%%)\n",
		stats.FailedCycles,
		float64(stats.FailedCycles)/float64(stats.TotalCycles)*100)
	fmt.Printf("Frames Echoed:          %d\n", stats.FramesEchoed)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f cycles/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Pair Latency (min):     %v\n", stats.MinPairLatency)
	fmt.Printf("Pair Latency (avg):     %v\n", stats.AvgPairLatency)
	fmt.Printf("Pair Latency (p95):     %v\n", stats.P95PairLatency)
	fmt.Printf("Pair Latency (p99):     %v\n", stats.P99PairLatency)
	fmt.Printf("Pair Latency (max):     %v\n", stats.MaxPairLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 50 {
		fmt.Println("✅ PASS: Throughput meets target (>50 cycles/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<50 cycles/sec)")
	}

	if stats.P95PairLatency < 250*time.Millisecond {
		fmt.Println("✅ PASS: P95 pair latency meets target (<250ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 pair latency above target (>250ms)")
	}

	successRate := float64(stats.SuccessfulCycles) / float64(stats.TotalCycles) * 100
	if successRate >= 95 {
		fmt.Println("✅ PASS: Success rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<95%)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
