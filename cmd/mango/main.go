// Spins up a mango cache namespace behind a Redis-protocol port.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nobletooth/mango/pkg/cache"
	"github.com/nobletooth/mango/pkg/config"
	"github.com/nobletooth/mango/pkg/port"
	"github.com/nobletooth/mango/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")
	namespace    = flag.String("namespace", "default", "The cache namespace served over the port.")
)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Mango build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, os.Kill)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	store := cache.Lookup(*namespace)
	if err := port.RunRedisServer(ctx, store); err != nil {
		slog.Error("Mango server stopped.", "err", err)
		os.Exit(1)
	}
}
