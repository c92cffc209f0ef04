package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	callScenario = "scenario"
	callCheckout = "Checkout"

	// codeTransport отмечает вызовы, не получившие ответа сервера.
	codeTransport = "transport_error"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	// outcomeRejected — бизнес-отказ (4xx). В гонке за последний экземпляр почти все
	// покупатели получают 409, и это ожидаемо.
	outcomeRejected
	outcomeFailed
)

func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status >= 400 && status < 500:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type callReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Rejected  int64            `json:"rejected"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// stockAudit сравнивает остаток после прогона с ожидаемым по числу выигранных покупок.
type stockAudit struct {
	Before     int  `json:"before"`
	After      int  `json:"after"`
	Expected   int  `json:"expected"`
	Consistent bool `json:"consistent"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	WonScenarios      int64                 `json:"won_scenarios"`
	RejectedScenarios int64                 `json:"rejected_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Calls             map[string]callReport `json:"calls"`
	Stock             *stockAudit           `json:"stock,omitempty"`
}

// tally накапливает исходы одного вида вызовов.
type tally struct {
	outcomes  [3]int64
	codes     map[string]int64
	latencies []time.Duration
}

func (t *tally) calls() int64 {
	return t.outcomes[outcomeSuccess] + t.outcomes[outcomeRejected] + t.outcomes[outcomeFailed]
}

func (t *tally) summarize() callReport {
	calls := t.calls()
	return callReport{
		Calls:     calls,
		Success:   t.outcomes[outcomeSuccess],
		Rejected:  t.outcomes[outcomeRejected],
		Failed:    t.outcomes[outcomeFailed],
		ErrorRate: share(t.outcomes[outcomeFailed], calls),
		Codes:     maps.Clone(t.codes),
		LatencyMs: summarizeLatency(t.latencies),
	}
}

type recorder struct {
	mu     sync.Mutex
	byCall map[string]*tally
}

func newRecorder() *recorder {
	return &recorder{byCall: make(map[string]*tally)}
}

// record учитывает один вызов; status 0 означает транспортную ошибку.
func (r *recorder) record(call string, latency time.Duration, status int) {
	code := codeTransport
	if status > 0 {
		code = strconv.Itoa(status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.byCall[call]
	if t == nil {
		t = &tally{codes: make(map[string]int64)}
		r.byCall[call] = t
	}
	t.outcomes[classify(status)]++
	t.codes[code]++
	t.latencies = append(t.latencies, latency)
}

func (r *recorder) summary(call string) (callReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byCall[call]
	if !ok {
		return callReport{}, false
	}
	return t.summarize(), true
}

func (r *recorder) report(started time.Time, elapsed time.Duration) report {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := report{
		StartedAt:       started.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Calls:           make(map[string]callReport, len(r.byCall)),
	}
	for call, t := range r.byCall {
		out.Calls[call] = t.summarize()
	}

	scenarios, ok := out.Calls[callScenario]
	if !ok {
		return out
	}
	out.TotalScenarios = scenarios.Calls
	out.WonScenarios = scenarios.Success
	out.RejectedScenarios = scenarios.Rejected
	out.FailedScenarios = scenarios.Failed
	out.ErrorRate = scenarios.ErrorRate
	out.ScenarioLatencyMs = scenarios.LatencyMs
	if elapsed > 0 {
		out.RPS = float64(scenarios.Calls) / elapsed.Seconds()
	}
	return out
}

func summarizeLatency(latencies []time.Duration) latencySummary {
	if len(latencies) == 0 {
		return latencySummary{}
	}

	ms := make([]float64, len(latencies))
	var total float64
	for i, d := range latencies {
		ms[i] = float64(d.Microseconds()) / 1000
		total += ms[i]
	}
	slices.Sort(ms)

	return latencySummary{
		Min: ms[0],
		Max: ms[len(ms)-1],
		Avg: total / float64(len(ms)),
		P50: quantile(ms, 0.50),
		P95: quantile(ms, 0.95),
		P99: quantile(ms, 0.99),
	}
}

// quantile возвращает значение по методу ближайшего ранга: наименьший элемент,
// не меньше которого доля q отсортированной выборки.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func share(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func printReport(w io.Writer, r report, opts options) {
	_, _ = fmt.Fprintf(w, "Load test summary\nmode=%s listing=%s run=%s\n", opts.scenario, opts.listingID, opts.target())
	_, _ = fmt.Fprintf(w, "buyers=%d won=%d rejected=%d failed=%d error_rate=%.4f duration=%.2fs rps=%.2f\n",
		r.TotalScenarios, r.WonScenarios, r.RejectedScenarios, r.FailedScenarios, r.ErrorRate, r.DurationSeconds, r.RPS)

	l := r.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max)

	for _, call := range slices.Sorted(maps.Keys(r.Calls)) {
		if call == callScenario {
			continue
		}
		c := r.Calls[call]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d rejected=%d failed=%d codes=%s p95=%.2fms\n",
			call, c.Calls, c.Success, c.Rejected, c.Failed, formatCodes(c.Codes), c.LatencyMs.P95)
	}

	switch {
	case r.Stock == nil:
		_, _ = fmt.Fprintln(w, "stock: not verified (listing unreadable)")
	case r.Stock.Consistent:
		_, _ = fmt.Fprintf(w, "stock: %d -> %d, consistent\n", r.Stock.Before, r.Stock.After)
	default:
		_, _ = fmt.Fprintf(w, "stock: %d -> %d, expected %d: OVERSOLD OR LEAKED\n", r.Stock.Before, r.Stock.After, r.Stock.Expected)
	}
}

func formatCodes(codes map[string]int64) string {
	parts := make([]string, 0, len(codes))
	for _, code := range slices.Sorted(maps.Keys(codes)) {
		parts = append(parts, code+":"+strconv.FormatInt(codes[code], 10))
	}
	return strings.Join(parts, ",")
}

// writeReport пишет JSON-отчёт. Путь должен вести к файлу внутри текущего каталога.
func writeReport(path string, r report) error {
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) || clean == "." {
		return fmt.Errorf("report path must be a file inside the current directory: %q", path)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}
