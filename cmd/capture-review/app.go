package main

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/config"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/lambdaboot"
	"github.com/fpang/capture-review/internal/readiness"
)

// app holds everything a command needs after bootstrap.
type app struct {
	cfg          config.Config
	store        *lambdaboot.Store
	forwarder    handoff.Forwarder
	target       handoff.Target
	orchestrator *handoff.Orchestrator
}

// bootstrap loads config and opens the store and, when withForwarder is
// set, the forwarder and orchestrator. out receives log-forwarded requests.
func bootstrap(ctx context.Context, name string, withForwarder bool, out io.Writer) (*app, error) {
	initStart := time.Now()
	cfg, err := loader.Load(configFlag)
	if err != nil {
		return nil, err
	}

	var clients *lambdaboot.AWSClients
	if cfg.Remote() {
		c, err := lambdaboot.LoadAWS(ctx)
		if err != nil {
			return nil, err
		}
		clients = &c
	}

	st, err := lambdaboot.OpenStore(ctx, cfg, clients)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st, target: cfg.Target()}

	startup := lambdaboot.StartupLog(name, initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Variant(cfg.Variant).
		Store(cfg.Store.Backend, st.Location).
		Feature("cameraPlaceholder", cfg.CameraPlaceholder).
		Feature("signedCaptures", cfg.HTTPSecret != "")
	if cfg.File != "" {
		startup.Config("file", cfg.File)
	}

	if withForwarder {
		fwd, dest, err := lambdaboot.OpenForwarder(cfg, clients, out)
		if err != nil {
			_ = st.Backend.Close()
			return nil, err
		}
		if clients != nil {
			a.target = lambdaboot.LoadTarget(ctx, clients.SSM, cfg.Forward.TargetParam, a.target)
		}
		a.forwarder = fwd
		a.orchestrator = handoff.NewOrchestrator(
			readiness.NewWatcher(st.Backend),
			handoff.NewRewriter(a.target),
			fwd,
			handoff.Options{Listener: logTransition, Metrics: true},
		)
		startup.Forwarder(cfg.Forward.Backend, dest)
	}

	startup.Target(string(a.target)).Log()
	return a, nil
}

// close releases the orchestrator and then the store.
func (a *app) close() {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if err := a.store.Backend.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing media store failed")
	}
}

// runFeed runs the store's change feed until ctx is done. It is a no-op for
// stores that notify on their own.
func (a *app) runFeed(ctx context.Context) error {
	if a.store.Feed == nil {
		<-ctx.Done()
		return nil
	}
	if err := a.store.Feed(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func logTransition(run *handoff.Run, from, to handoff.State) {
	log.Debug().
		Str("runId", run.ID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Handoff state changed")
}
