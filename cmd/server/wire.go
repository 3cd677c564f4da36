package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/awschat/supervisor/agents/holiday"
	"github.com/awschat/supervisor/agents/subagent"
	"github.com/awschat/supervisor/agents/supervisor"
	"github.com/awschat/supervisor/config"
	memorymongo "github.com/awschat/supervisor/features/memory/mongo"
	clientsmongo "github.com/awschat/supervisor/features/memory/mongo/clients/mongo"
	"github.com/awschat/supervisor/features/model/anthropic"
	"github.com/awschat/supervisor/features/model/bedrock"
	"github.com/awschat/supervisor/features/model/middleware"
	"github.com/awschat/supervisor/features/policy/basic"
	streampulse "github.com/awschat/supervisor/features/stream/pulse"
	clientspulse "github.com/awschat/supervisor/features/stream/pulse/clients/pulse"
	"github.com/awschat/supervisor/runtime/agent/memory"
	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
	"github.com/awschat/supervisor/server"
)

// rateLimitKey names the shared token budget in the cluster map.
const rateLimitKey = "model-tpm"

// deps holds the process-wide dependencies built from the configuration.
type deps struct {
	handler http.Handler
	closers []func(context.Context) error
}

func (d *deps) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			log.Printf(ctx, "close: %v", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config) (*deps, error) {
	var (
		d       = &deps{}
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
		pingers []health.Pinger
	)

	var rdb *redis.Client
	if cfg.Stream.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Stream.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		d.closers = append(d.closers, func(context.Context) error { return rdb.Close() })
	}

	client, err := modelClient(ctx, cfg.Model, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Model.TokensPerMinute > 0 {
		maxTPM := cfg.Model.MaxTokensPerMinute
		if maxTPM <= 0 {
			maxTPM = cfg.Model.TokensPerMinute
		}
		var limiter *middleware.AdaptiveRateLimiter
		if rdb != nil {
			m, err := rmap.Join(ctx, "supervisor-rate-limit", rdb)
			if err != nil {
				return nil, fmt.Errorf("join rate limit map: %w", err)
			}
			d.closers = append(d.closers, func(context.Context) error { m.Close(); return nil })
			limiter = middleware.NewClusterRateLimiter(ctx, m, rateLimitKey, cfg.Model.TokensPerMinute, maxTPM)
		} else {
			limiter = middleware.NewAdaptiveRateLimiter(cfg.Model.TokensPerMinute, maxTPM)
		}
		client = limiter.Middleware()(client)
	}

	store, err := memoryStore(ctx, cfg.Memory, d)
	if err != nil {
		return nil, err
	}
	if p, ok := store.(interface{ Client() clientsmongo.Client }); ok {
		pingers = append(pingers, p.Client())
	}

	agents, err := subAgents(cfg, client, logger, metrics, tracer)
	if err != nil {
		return nil, err
	}

	policy := relay.ToolInputForward
	if cfg.SubAgents.ToolInput == config.ToolInputSuppress {
		policy = relay.ToolInputSuppress
	}
	sup, err := supervisor.New(supervisor.Config{
		Client:       client,
		Model:        cfg.Model.ModelID,
		System:       cfg.Supervisor.System,
		MaxTurns:     cfg.Supervisor.MaxTurns,
		MaxTokens:    cfg.Model.MaxTokens,
		Agents:       agents,
		Memory:       store,
		HistoryTurns: cfg.Supervisor.HistoryTurns,
		RelayOptions: []relay.Option{
			relay.WithTimeout(cfg.SubAgents.Timeout),
			relay.WithToolInputPolicy(policy),
			relay.WithLogger(logger),
			relay.WithMetrics(metrics),
			relay.WithTracer(tracer),
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return nil, err
	}

	opts := server.Options{Invoker: sup, Debug: cfg.Server.Debug, Logger: logger}
	if cfg.Stream.Pulse {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Stream.MaxLen})
		if err != nil {
			return nil, err
		}
		pub, err := streampulse.NewPublisher(streampulse.Options{Client: pc})
		if err != nil {
			return nil, err
		}
		opts.Publish = func(session string) (stream.Sink, error) {
			s, err := pub.Sink(session)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		opts.Tailer = pub.NewSubscriber(streampulse.SubscriberOptions{})
		pingers = append(pingers, pc)
	}
	opts.Pingers = pingers

	if d.handler, err = server.Handler(ctx, opts); err != nil {
		return nil, err
	}
	return d, nil
}

func modelClient(ctx context.Context, cfg config.Model, logger telemetry.Logger) (model.Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
		return anthropic.New(&ac.Messages, anthropic.Options{
			DefaultModel: cfg.ModelID,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  float64(cfg.Temperature),
		})
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{
			DefaultModel: cfg.ModelID,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
			Logger:       logger,
		})
	}
}

func memoryStore(ctx context.Context, cfg config.Memory, d *deps) (memory.Store, error) {
	switch cfg.Backend {
	case config.MemoryNone:
		return nil, nil
	case config.MemoryMongo:
		mc, err := memorymongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func(ctx context.Context) error { return mc.Disconnect(ctx) })
		return newMongoStore(mc, cfg)
	default:
		return memory.NewInMem(), nil
	}
}

func newMongoStore(mc *mongodriver.Client, cfg config.Memory) (*memorymongo.Store, error) {
	return memorymongo.NewStoreFromMongo(clientsmongo.Options{
		Client:     mc,
		Database:   cfg.Database,
		Collection: cfg.Collection,
	})
}

func subAgents(cfg config.Config, client model.Client, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) ([]subagent.Agent, error) {
	base := subagent.MCPConfig{
		Client:    client,
		Model:     cfg.Model.ModelID,
		MaxTurns:  cfg.SubAgents.MaxTurns,
		MaxTokens: cfg.Model.MaxTokens,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	}
	base.Policy = toolPolicy(cfg.SubAgents.KnowledgeTools)
	knowledge, err := subagent.Knowledge(base, cfg.SubAgents.KnowledgeURL, logger)
	if err != nil {
		return nil, err
	}
	base.Policy = toolPolicy(cfg.SubAgents.APITools)
	api, err := subagent.API(base, cfg.SubAgents.APICommand, apiEnv(cfg.SubAgents.APIEnv, cfg.Model.Region), logger)
	if err != nil {
		return nil, err
	}
	hol, err := holiday.New(holiday.Options{
		BaseURL:   cfg.SubAgents.HolidayBaseURL,
		CacheSize: cfg.SubAgents.HolidayCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return []subagent.Agent{knowledge, api, hol}, nil
}

func toolPolicy(p config.ToolPolicy) *basic.Engine {
	e := basic.New(basic.Options{
		AllowTools: p.AllowTools,
		BlockTools: p.BlockTools,
		AllowTags:  p.AllowTags,
		BlockTags:  p.BlockTags,
	})
	if e.Empty() {
		return nil
	}
	return e
}

// apiEnv makes sure the AWS API server has a region. The process
// environment is inherited by the server.
func apiEnv(env []string, region string) []string {
	if region == "" || os.Getenv("AWS_REGION") != "" {
		return env
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "AWS_REGION=") {
			return env
		}
	}
	return append(slices.Clone(env), "AWS_REGION="+region)
}
