package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/server"
)

func main() {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	defer bus.Close()

	var persister engine.Persister
	if cfg.Storage.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		persister = persistence.NewResilientStore(store, persistence.RetryConfig{
			InitialInterval:     time.Duration(cfg.Persistence.InitialIntervalMS) * time.Millisecond,
			MaxInterval:         time.Duration(cfg.Persistence.MaxIntervalMS) * time.Millisecond,
			MaxElapsedTime:      time.Duration(cfg.Persistence.MaxElapsedMS) * time.Millisecond,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		})
	}

	eng := engine.New(engine.Options{
		Notifier:   events.NewBusNotifier(bus),
		Persister:  persister,
		StaleAfter: time.Duration(cfg.Engine.StaleAfterSeconds) * time.Second,
	})

	srv := server.NewServer(eng, cfg.Server)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Listening on %s", cfg.Server.Listen)
		return srv.Start(gctx)
	})

	// Transition audit log: every accepted state change goes to stderr so an
	// operator can tail the coordinator without the HTTP surface.
	g.Go(func() error {
		sub := bus.Subscribe(events.TopicTask, cfg.Events.BufferSize)
		for {
			select {
			case <-gctx.Done():
				return nil
			case event, ok := <-sub:
				if !ok {
					return nil
				}
				if t, isTransition := event.(events.TaskTransitionEvent); isTransition {
					log.Printf("task %q: %s -> %s", t.ID, t.FromState, t.ToState)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
}
