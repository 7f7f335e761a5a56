package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const idempotencyHeader = "Idempotency-Key"

type loadMode string

const (
	modeOrder    loadMode = "order"
	modeReserve  loadMode = "reserve"
	modeDecrease loadMode = "decrease"
)

// outcome - итог одного вызова API.
type outcome string

const (
	outcomeOK       outcome = "ok"
	outcomeSoldOut  outcome = "sold_out"
	outcomeRejected outcome = "rejected"
	outcomeError    outcome = "error"
)

type config struct {
	baseURL     string
	productID   int64
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	replayRate  int
	expectStock int64
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	SoldOut           int64                   `json:"sold_out"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	Oversold          bool                    `json:"oversold"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	outcomes  map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

// record учитывает вызов. sold_out не считается ошибкой: распродажа
// обязана отказывать, когда остаток исчерпан.
func (c *collector) record(method string, latency time.Duration, result outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{
			outcomes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if result.failed() {
		stats.failed++
	} else {
		stats.success++
	}
	stats.outcomes[string(result)]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[name]
	if !ok {
		return methodReport{}, false
	}
	return stats.report(), true
}

func (s *methodStats) report() methodReport {
	outcomes := make(map[string]int64, len(s.outcomes))
	for name, count := range s.outcomes {
		outcomes[name] = count
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Outcomes:  outcomes,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration, expectStock int64) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenarioStats := c.methods["scenario"]; scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.SoldOut = scenarioStats.outcomes[string(outcomeSoldOut)]
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		result.Methods[name] = stats.report()
	}

	if expectStock > 0 {
		sold := result.SuccessScenarios - result.SoldOut
		result.Oversold = sold > expectStock
	}

	return result
}

func (o outcome) failed() bool {
	return o == outcomeError || o == outcomeRejected
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "stock-service HTTP API base URL")
	fs.Int64Var(&cfg.productID, "product", 1, "product id under load")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "max idle HTTP connections to the API")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeOrder), "load mode: order | reserve | decrease")
	fs.IntVar(&cfg.replayRate, "replay-rate", 0, "percent of decrease calls repeated with the same Idempotency-Key (0..100)")
	fs.Int64Var(&cfg.expectStock, "expect-stock", 0, "initial stock; run fails when more units are sold (0=skip check)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	if cfg.baseURL == "" {
		return cfg, errors.New("url is required")
	}
	if cfg.productID <= 0 {
		return cfg, errors.New("product must be > 0")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.connections <= 0 {
		return cfg, errors.New("connections must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.replayRate < 0 || cfg.replayRate > 100 {
		return cfg, errors.New("replay-rate must be between 0 and 100")
	}
	if cfg.expectStock < 0 {
		return cfg, errors.New("expect-stock must be >= 0")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeOrder:
		return modeOrder, nil
	case modeReserve:
		return modeReserve, nil
	case modeDecrease:
		return modeDecrease, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := run(cfg, newHTTPClient(cfg))

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || result.Oversold {
		os.Exit(1)
	}
}

func newHTTPClient(cfg config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.connections
	transport.MaxIdleConnsPerHost = cfg.connections
	return &http.Client{Transport: transport, Timeout: cfg.timeout}
}

// run гоняет сценарии пулом воркеров и собирает отчёт.
func run(cfg config, client *http.Client) report {
	startedAt := time.Now()
	runID := uuid.NewString()
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				runScenario(client, cfg, id, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), cfg.expectStock)
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// runScenario выполняет один сценарий. В режиме decrease часть токенов
// повторяется: повтор обязан вернуть duplicate и не списать остаток.
func runScenario(client *http.Client, cfg config, index int, runID string, col *collector) outcome {
	scenarioStart := time.Now()
	result := outcomeOK
	defer func() {
		col.record("scenario", time.Since(scenarioStart), result)
	}()

	switch cfg.mode {
	case modeOrder:
		result = call(client, cfg, "CreateOrder", orderPath(cfg.productID), "", col)
	case modeReserve:
		result = call(client, cfg, "Reserve", stockPath(cfg.productID, "reserve"), "", col)
	case modeDecrease:
		key := fmt.Sprintf("lt-%s-%d", runID, index)
		result = call(client, cfg, "Decrease", stockPath(cfg.productID, "decrease"), key, col)
		if result == outcomeOK && shouldReplay(index, cfg.replayRate) {
			result = call(client, cfg, "DecreaseReplay", stockPath(cfg.productID, "decrease"), key, col)
		}
	}
	return result
}

func call(client *http.Client, cfg config, method, path, key string, col *collector) outcome {
	start := time.Now()
	result := doPost(client, cfg, path, key)
	col.record(method, time.Since(start), result)
	return result
}

func doPost(client *http.Client, cfg config, path, key string) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+path, nil)
	if err != nil {
		return outcomeError
	}
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return outcomeError
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classify(resp.StatusCode)
}

func classify(statusCode int) outcome {
	switch {
	case statusCode == http.StatusOK:
		return outcomeOK
	case statusCode == http.StatusConflict:
		return outcomeSoldOut
	case statusCode >= 400 && statusCode < 500:
		return outcomeRejected
	default:
		return outcomeError
	}
}

func orderPath(productID int64) string {
	return "/v1/orders/" + strconv.FormatInt(productID, 10)
}

func stockPath(productID int64, action string) string {
	return "/v1/stock/" + strconv.FormatInt(productID, 10) + "/" + action
}

func shouldReplay(index, replayRate int) bool {
	if replayRate <= 0 {
		return false
	}
	if replayRate >= 100 {
		return true
	}
	return index%100 < replayRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s product=%d run=%s total=%d success=%d sold_out=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		cfg.productID,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.SoldOut,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)
	if result.Oversold {
		fmt.Printf("OVERSOLD: sold=%d expected at most %d\n", result.SuccessScenarios-result.SoldOut, cfg.expectStock)
	}

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Printf(
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
