package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/meridianhealth/researchflow/common/agent"
	"github.com/meridianhealth/researchflow/common/agent/remote"
	"github.com/meridianhealth/researchflow/common/agent/stub"
	"github.com/meridianhealth/researchflow/common/bootstrap"
	"github.com/meridianhealth/researchflow/workflow/approval"
	"github.com/meridianhealth/researchflow/workflow/engine"
	"github.com/meridianhealth/researchflow/workflow/nodes"
	"github.com/meridianhealth/researchflow/workflow/routing"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "engine-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger
	log.Info("engine-worker starting", "workers", cfg.Engine.WorkerCount, "agent_mode", cfg.Agents.Mode)

	// Agent backend
	registry := agent.NewRegistry()
	switch cfg.Agents.Mode {
	case "stub":
		stub.NewSuite().RegisterAll(registry)
	case "remote":
		remote.NewClient(cfg.Agents.RemoteURL, log).RegisterAll(registry)
	}
	adapter := agent.NewAdapter(registry, cfg.Agents, log)

	// Approval timeout policy
	policy, err := approval.NewTimeoutPolicy(cfg.Approvals.TimeoutPolicy)
	if err != nil {
		log.Error("invalid approval timeout policy", "error", err)
		os.Exit(1)
	}

	// Node handlers and executor
	nodeRegistry := nodes.NewRegistry(nodes.Deps{
		Adapter:       adapter,
		Store:         components.Store,
		Caps:          routing.CapsFromConfig(cfg.Iterations),
		SLA:           cfg.Approvals.DefaultSLA.Std(),
		AgentTimeout:  cfg.Agents.DefaultTimeout.Std(),
		TimeoutPolicy: policy,
		Log:           log,
	})
	executor := engine.NewExecutor(components.Store, components.Leases, nodeRegistry, cfg.Engine, log)

	pool := engine.NewPool(executor, cfg.Engine.WorkerCount, log)
	pool.Start(ctx)

	waker := approval.NewRedisWaker(components.Redis, cfg.Engine.ResumeStream)

	consumerName := fmt.Sprintf("engine-%s", uuid.NewString()[:8])
	consumer := engine.NewResumeConsumer(components.Redis, pool, cfg.Engine, consumerName, log)

	errChan := make(chan error, 1)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			errChan <- fmt.Errorf("resume consumer error: %w", err)
		}
	}()

	scanner := engine.NewRecoveryScanner(components.Store, pool, cfg.Engine.RecoveryScanInterval.Std(), log)
	go scanner.Run(ctx)

	sweeper := approval.NewSweeper(components.Store, waker, cfg.Approvals.SweepInterval.Std(), log)
	go sweeper.Run(ctx)

	log.Info("engine-worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("worker failed", "error", err)
		cancel()
		pool.Wait()
		os.Exit(1)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}

	pool.Wait()
	log.Info("engine-worker shut down gracefully")
}
