// Package lambdaboot provides the shared cold-start bootstrap for every
// binary: AWS config, the media store, the handoff forwarder, the target
// override from SSM, and startup logging.
//
// Each binary's init is a short composition of these helpers.
package lambdaboot

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/config"
	"github.com/fpang/capture-review/internal/forward"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/logging"
	"github.com/fpang/capture-review/internal/store"
)

// AWSClients holds the core AWS config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// LoadAWS loads the default AWS config.
func LoadAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// InitAWS is LoadAWS for Lambda init, where failure is fatal.
func InitAWS() AWSClients {
	clients, err := LoadAWS(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	return clients
}

// InitDynamo creates the DynamoDB media store.
func InitDynamo(cfg aws.Config, table string) *store.DynamoStore {
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), table)
}

// InitS3 creates the S3 media store.
func InitS3(cfg aws.Config, bucket, prefix string) *store.S3Store {
	return store.NewS3Store(s3.NewFromConfig(cfg), bucket, prefix)
}

// InitEventBridge creates the EventBridge forwarder.
func InitEventBridge(cfg aws.Config, bus string) *forward.EventBridge {
	return forward.NewEventBridge(eventbridge.NewFromConfig(cfg), bus)
}

// ParameterAPI is the subset of *ssm.Client used by LoadTarget.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

var _ ParameterAPI = (*ssm.Client)(nil)

// LoadTarget reads the handoff target from an SSM parameter. An empty
// param name, a missing parameter, or an empty value keeps fallback.
// Non-fatal: failures are logged.
func LoadTarget(ctx context.Context, client ParameterAPI, param string, fallback handoff.Target) handoff.Target {
	if param == "" || client == nil {
		return fallback
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		log.Warn().Err(err).Str("param", param).Str("target", string(fallback)).Msg("Target parameter not readable, keeping variant target")
		return fallback
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		log.Warn().Str("param", param).Msg("Target parameter is empty, keeping variant target")
		return fallback
	}
	target := handoff.Target(aws.ToString(result.Parameter.Value))
	log.Debug().Str("param", param).Str("target", string(target)).Dur("elapsed", time.Since(start)).Msg("Target loaded from SSM")
	return target
}

// LoadSecret returns cfg.HTTPSecret, or reads cfg.SecretParam from SSM
// with decryption when the secret is not set directly.
func LoadSecret(ctx context.Context, client ParameterAPI, cfg config.Config) (string, error) {
	if cfg.HTTPSecret != "" || cfg.SecretParam == "" {
		return cfg.HTTPSecret, nil
	}
	if client == nil {
		return "", fmt.Errorf("secret parameter %s needs AWS config", cfg.SecretParam)
	}
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.SecretParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read secret parameter %s: %w", cfg.SecretParam, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("secret parameter %s is empty", cfg.SecretParam)
	}
	log.Info().Str("param", cfg.SecretParam).Msg("Capture signing secret loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// Store is an opened media store.
type Store struct {
	Backend store.Backend
	Writer  store.Writer
	// Feed keeps change notifications flowing until ctx is done. It is
	// nil for backends that notify on their own.
	Feed     func(ctx context.Context) error
	Location string
}

// OpenStore opens the configured media store. clients is only consulted for
// remote backends.
func OpenStore(ctx context.Context, cfg config.Config, clients *AWSClients) (*Store, error) {
	switch cfg.Store.Backend {
	case store.BackendSQLite:
		s, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Store{
			Backend:  s,
			Writer:   s,
			Feed:     func(ctx context.Context) error { return s.WatchExternal(ctx, cfg.Store.SQLiteWatch) },
			Location: s.Path(),
		}, nil

	case store.BackendFS:
		s, err := store.OpenFS(cfg.Store.FSDir)
		if err != nil {
			return nil, err
		}
		return &Store{Backend: s, Writer: s, Location: s.Dir()}, nil

	case store.BackendDynamoDB:
		if clients == nil {
			return nil, fmt.Errorf("store %s needs AWS config", cfg.Store.Backend)
		}
		d := InitDynamo(clients.Config, cfg.Store.DynamoTable)
		p := store.NewPoller(d, cfg.PollOptions())
		return &Store{Backend: p, Writer: d, Feed: p.Run, Location: cfg.Store.DynamoTable}, nil

	case store.BackendS3:
		if clients == nil {
			return nil, fmt.Errorf("store %s needs AWS config", cfg.Store.Backend)
		}
		b := InitS3(clients.Config, cfg.Store.S3Bucket, cfg.Store.S3Prefix)
		p := store.NewPoller(b, cfg.PollOptions())
		return &Store{Backend: p, Writer: b, Feed: p.Run, Location: cfg.Store.S3Bucket + "/" + cfg.Store.S3Prefix}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// OpenForwarder builds the configured forwarder. out receives requests
// when forwarding to the log.
func OpenForwarder(cfg config.Config, clients *AWSClients, out io.Writer) (handoff.Forwarder, string, error) {
	switch cfg.Forward.Backend {
	case config.ForwardLog:
		return forward.NewWriter(out), "log", nil
	case config.ForwardEventBridge:
		if clients == nil {
			return nil, "", fmt.Errorf("forwarder %s needs AWS config", cfg.Forward.Backend)
		}
		bus := cfg.Forward.Bus
		if bus == "" {
			bus = "default"
		}
		return InitEventBridge(clients.Config, bus), bus, nil
	}
	return nil, "", fmt.Errorf("unknown forward backend %q", cfg.Forward.Backend)
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
