// Command gojodb_txn_demo runs a two-document transfer transaction
// against an in-process store and prints the outcome. It exercises the
// whole public surface: configuration, the blocking run entry point,
// staging/commit, and the metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
	"github.com/sushant-115/gojodb-transactions/core/transactions"
	"github.com/sushant-115/gojodb-transactions/pkg/logger"
	"github.com/sushant-115/gojodb-transactions/pkg/telemetry"
)

type account struct {
	Balance int `json:"balance"`
}

func main() {
	logLevel := flag.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (json or console)")
	metricsPort := flag.Int("metrics-port", 0, "port for the Prometheus /metrics endpoint (0 disables)")
	timeout := flag.Duration("timeout", 15*time.Second, "transaction expiration timeout")
	amount := flag.Int("amount", 25, "amount to transfer from account a to account b")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsPort > 0,
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	store := kv.NewMemExecutor(log)
	locA := kv.Location{Bucket: "default", Scope: "_default", Collection: "accounts", Key: "account::a"}
	locB := kv.Location{Bucket: "default", Scope: "_default", Collection: "accounts", Key: "account::b"}
	store.Seed(locA, mustJSON(account{Balance: 100}))
	store.Seed(locB, mustJSON(account{Balance: 100}))

	config := transactions.NewConfig().
		Timeout(*timeout).
		DurabilityLevel(kv.DurabilityNone).
		Logger(log).
		Meter(tel.Meter).
		Build()
	txns := transactions.New(store, config)
	defer txns.Close()

	result, err := txns.Run(context.Background(), func(ctx context.Context, attempt *transactions.AttemptContext) error {
		docA, err := attempt.Get(ctx, locA)
		if err != nil {
			return err
		}
		docB, err := attempt.Get(ctx, locB)
		if err != nil {
			return err
		}
		var a, b account
		if err := docA.Content(&a); err != nil {
			return err
		}
		if err := docB.Content(&b); err != nil {
			return err
		}
		a.Balance -= *amount
		b.Balance += *amount
		if a.Balance < 0 {
			return fmt.Errorf("insufficient funds in %s", locA.Key)
		}
		if _, err := attempt.Replace(ctx, docA, a); err != nil {
			return err
		}
		_, err = attempt.Replace(ctx, docB, b)
		return err
	})
	if err != nil {
		log.Fatal("transaction failed",
			zap.String("kind", result.Ctx.EC().String()),
			zap.NamedError("cause", result.Ctx.Cause()))
	}

	log.Info("transaction committed",
		zap.String("txn_id", result.TransactionID),
		zap.Int("attempts", result.Attempts),
		zap.Bool("unstaging_complete", result.UnstagingComplete))

	finalA, _, _ := store.LoadCommitted(locA)
	finalB, _, _ := store.LoadCommitted(locB)
	fmt.Printf("account::a = %s\naccount::b = %s\n", finalA, finalB)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
