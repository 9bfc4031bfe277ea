// Package main provides a Lambda entry point for synchronous capture
// handoffs.
//
// It serves a single route behind API Gateway:
//   - POST /v1/handoffs: decode a capture message, wait for the primary item
//     to finish processing, and forward the rewritten request to EventBridge
//
// The media index is read from DynamoDB or S3 through a poller started at
// cold start. The signing secret and the target override are loaded from SSM
// Parameter Store when configured.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/api"
	"github.com/fpang/capture-review/internal/config"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/lambdaboot"
	"github.com/fpang/capture-review/internal/logging"
	"github.com/fpang/capture-review/internal/readiness"
	"github.com/fpang/capture-review/internal/store"
)

var handoffs *api.Handoffs

func init() {
	initStart := time.Now()
	logging.InitJSON()
	ctx := context.Background()

	l := config.NewLoader()
	l.Set(config.KeyForwardBackend, config.ForwardEventBridge)
	cfg, err := l.Load(logging.EnvOrDefault("CAPTURE_REVIEW_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Store.Backend != store.BackendDynamoDB && cfg.Store.Backend != store.BackendS3 {
		log.Fatal().Str("store", cfg.Store.Backend).Msg("Handoff Lambda needs a remote media store")
	}

	clients := lambdaboot.InitAWS()
	st, err := lambdaboot.OpenStore(ctx, cfg, &clients)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open media store")
	}
	fwd, dest, err := lambdaboot.OpenForwarder(cfg, &clients, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create forwarder")
	}
	secret, err := lambdaboot.LoadSecret(ctx, clients.SSM, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load capture signing secret")
	}
	target := lambdaboot.LoadTarget(ctx, clients.SSM, cfg.Forward.TargetParam, cfg.Target())

	orch := handoff.NewOrchestrator(
		readiness.NewWatcher(st.Backend),
		handoff.NewRewriter(target),
		fwd,
		handoff.Options{Metrics: true},
	)
	handoffs = api.NewHandoffs(orch, api.Options{
		Secret:         secret,
		HandoffTimeout: cfg.HandoffTimeout,
		Metrics:        true,
	})

	// The feed lives for the execution environment; it is paused between
	// invocations along with everything else.
	if st.Feed != nil {
		go func() {
			if err := st.Feed(ctx); err != nil {
				log.Error().Err(err).Msg("Media store feed stopped")
			}
		}()
	}

	lambdaboot.StartupLog("handoff-lambda", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Variant(cfg.Variant).
		Target(string(target)).
		Store(cfg.Store.Backend, st.Location).
		Forwarder(cfg.Forward.Backend, dest).
		Feature("signedCaptures", secret != "").
		Config("handoffTimeout", cfg.HandoffTimeout.String()).
		Log()
}

func main() {
	adapter := httpadapter.NewV2(handoffs.Router())
	lambda.Start(adapter.ProxyWithContext)
}
