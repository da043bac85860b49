// Command orchestrator starts the conductor core: session manager,
// workspace manager, coordination bus, workload balancer, delegation
// engine, auto-accept gate, proactive engine, and quality reviewer,
// bound together by internal/orchestrator.Build. The command-line front
// end, HTTP/WS adapters, and concrete provider wiring are external
// collaborators (spec.md §1) and are deliberately not part of this
// binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/config"
	"github.com/fleetforge/conductor/internal/orchestrator"
)

func main() {
	cfg := config.Default()

	orch, err := orchestrator.Build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build orchestrator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start orchestrator: %v\n", err)
		os.Exit(1)
	}
	orch.Log().Info("orchestrator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	orch.Log().Info("shutting down orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		orch.Log().Error("orchestrator shutdown error", zap.Error(err))
		os.Exit(1)
	}
	orch.Log().Info("orchestrator stopped")
}
