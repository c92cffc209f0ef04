// Команда marketplace запускает сервис маркетплейса: HTTP API, gRPC health и фоновые воркеры.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

// errVersionRequested означает, что запрошен -version: напечатать сборку и выйти без запуска.
var errVersionRequested = errors.New("version requested")

// readConfig разбирает флаги и загружает конфигурацию: YAML из -config или MARKET_CONFIG,
// поверх него переменные MARKET_*.
func readConfig(args []string, output io.Writer) (app.Config, error) {
	fs := flag.NewFlagSet("marketplace", flag.ContinueOnError)
	fs.SetOutput(output)
	configPath := fs.String("config", os.Getenv("MARKET_CONFIG"), "path to YAML config (fallback: MARKET_CONFIG)")
	showVersion := fs.Bool("version", false, "print build information and exit")
	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}
	if *showVersion {
		return app.Config{}, errVersionRequested
	}
	return app.LoadConfig(*configPath)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Stderr)
	switch {
	case errors.Is(err, errVersionRequested):
		fmt.Println(version.Current())
		return
	case err != nil:
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	cfg.ConfigureLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithFields(log.Fields(version.Current().Fields())).WithField("storage", cfg.StorageDriver)
	logger.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
	}).Info("запускаем marketplace")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("приложение завершилось с ошибкой")
	}
	logger.Info("marketplace остановлен")
}
