// Команда loadtest устраивает гонку покупателей за одно объявление через HTTP API
// и проверяет, что продано не больше экземпляров, чем было на складе.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

type scenario string

const (
	scenarioCheckout       scenario = "checkout"
	scenarioCheckoutPay    scenario = "checkout-pay"
	scenarioCheckoutCancel scenario = "checkout-cancel"
)

func (s scenario) valid() bool {
	switch s {
	case scenarioCheckout, scenarioCheckoutPay, scenarioCheckoutCancel:
		return true
	}
	return false
}

type options struct {
	baseURL   string
	listingID string
	buyers    int
	// capped: -total задан явно и ограничивает прогон по времени.
	capped      bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	scenario    scenario
	buyerTag    string
	idempotent  bool
	reportPath  string
}

// target описывает, когда прогон заканчивается.
func (o options) target() string {
	switch {
	case o.duration <= 0:
		return fmt.Sprintf("count:%d", o.buyers)
	case o.capped:
		return fmt.Sprintf("duration:%s,max-total:%d", o.duration, o.buyers)
	default:
		return fmt.Sprintf("duration:%s", o.duration)
	}
}

// exhausted сообщает, что запущено столько покупателей, сколько разрешено.
// По времени без явного -total прогон ограничен только длительностью.
func (o options) exhausted(launched int) bool {
	if o.duration > 0 && !o.capped {
		return false
	}
	return launched >= o.buyers
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var (
		opts options
		mode string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.baseURL, "addr", "http://localhost:8080", "marketplace HTTP API base URL")
	fs.StringVar(&opts.listingID, "listing", "", "listing id every buyer competes for")
	fs.IntVar(&opts.buyers, "total", 200, "buyers to run; with -duration caps the run only when set explicitly")
	fs.DurationVar(&opts.duration, "duration", 0, "run for this long instead of a fixed number of buyers")
	fs.IntVar(&opts.concurrency, "concurrency", 20, "buyers in flight at once")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(scenarioCheckout), "scenario: checkout | checkout-pay | checkout-cancel")
	fs.StringVar(&opts.buyerTag, "buyer-tag", "load", "buyer id prefix")
	fs.BoolVar(&opts.idempotent, "idempotent", true, "send Idempotency-Key with checkout requests")
	fs.StringVar(&opts.reportPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) { opts.capped = opts.capped || f.Name == "total" })

	opts.scenario = scenario(strings.TrimSpace(mode))
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	opts.listingID = strings.TrimSpace(opts.listingID)
	if err := opts.validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}

func (o options) validate() error {
	var problems []error
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, errors.New(msg))
		}
	}

	check(o.baseURL != "", "addr is required")
	check(o.listingID != "", "listing is required")
	if !o.scenario.valid() {
		problems = append(problems, fmt.Errorf("unsupported mode: %q", o.scenario))
	}
	check(o.duration >= 0, "duration must be >= 0")
	check(o.duration > 0 || o.buyers > 0, "total must be > 0 when duration is not set")
	check(o.duration <= 0 || !o.capped || o.buyers > 0, "total must be > 0 when explicitly set with duration")
	check(o.concurrency > 0, "concurrency must be > 0")
	check(o.timeout > 0, "timeout must be > 0")
	check(strings.TrimSpace(o.buyerTag) != "", "buyer-tag is required")
	return errors.Join(problems...)
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := runLoad(ctx, opts, &http.Client{Timeout: opts.timeout})
	printReport(os.Stdout, result, opts)

	if opts.reportPath != "" {
		if err := writeReport(opts.reportPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 || (result.Stock != nil && !result.Stock.Consistent) {
		os.Exit(1)
	}
}
