package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// runLoad запускает покупателей не более opts.concurrency одновременно.
// До и после прогона читается остаток на складе, чтобы поймать перепродажу.
func runLoad(ctx context.Context, opts options, httpClient *http.Client) report {
	client := &apiClient{baseURL: opts.baseURL, http: httpClient, timeout: opts.timeout}
	runID := fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
	rec := newRecorder()

	stockBefore, beforeOK := client.listingStock(opts.listingID)

	dispatch := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		dispatch, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	started := time.Now()
	var g errgroup.Group
	g.SetLimit(opts.concurrency)
	for i := 0; !opts.exhausted(i); i++ {
		if !launch(dispatch, &g, func() { buyOne(client, opts, runID, i, rec) }) {
			break
		}
	}
	_ = g.Wait()

	result := rec.report(started, time.Since(started))
	if stockAfter, afterOK := client.listingStock(opts.listingID); beforeOK && afterOK {
		result.Stock = auditStock(stockBefore, stockAfter, result)
	}
	return result
}

// launch ставит покупателя в очередь, если время прогона не вышло. g.Go блокируется, пока
// все слоты заняты, поэтому ctx проверяется перед каждым запуском.
func launch(ctx context.Context, g *errgroup.Group, fn func()) bool {
	if ctx.Err() != nil {
		return false
	}
	g.Go(func() error {
		fn()
		return nil
	})
	return true
}

// buyOne проходит сценарий одного покупателя. Итог определяется последним вызовом.
func buyOne(client *apiClient, opts options, runID string, n int, rec *recorder) {
	started := time.Now()
	final := 0
	defer func() { rec.record(callScenario, time.Since(started), final) }()

	buyer := fmt.Sprintf("%s-%s-%d", opts.buyerTag, runID, n)
	key := ""
	if opts.idempotent {
		key = fmt.Sprintf("lt-%s-%d", runID, n)
	}

	status, order := client.checkout(buyer, opts.listingID, key, rec)
	final = status
	if classify(status) != outcomeSuccess || opts.scenario == scenarioCheckout {
		return
	}
	if order.ID == "" {
		final = http.StatusInternalServerError
		return
	}

	switch opts.scenario {
	case scenarioCheckoutPay:
		final = client.orderAction(actionPay, buyer, order.ID, rec)
	case scenarioCheckoutCancel:
		final = client.orderAction(actionCancel, buyer, order.ID, rec)
	}
}

// auditStock сверяет остаток: каждый выигранный checkout списывает экземпляр, успешная отмена
// возвращает его. Посторонние покупки во время прогона тоже дадут расхождение.
func auditStock(before, after int, result report) *stockAudit {
	expected := before - int(result.Calls[callCheckout].Success) + int(result.Calls[actionCancel.call()].Success)
	return &stockAudit{
		Before:     before,
		After:      after,
		Expected:   expected,
		Consistent: after == expected && after >= 0,
	}
}
