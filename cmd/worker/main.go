package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/log"

	"github.com/kilnworks/kiln/broker"
	pulseclient "github.com/kilnworks/kiln/broker/clients/pulse"
	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/orchestrator"
	"github.com/kilnworks/kiln/producer"
	"github.com/kilnworks/kiln/producer/agent"
	"github.com/kilnworks/kiln/producer/workflow"
	storemongo "github.com/kilnworks/kiln/store/mongo"
	"github.com/kilnworks/kiln/telemetry"
	"github.com/kilnworks/kiln/worker"
)

func main() {
	var (
		redisURLF    = flag.String("redis-url", "redis://localhost:6379/0", "Redis connection URL")
		mongoURLF    = flag.String("mongo-url", "mongodb://localhost:27017", "MongoDB connection URL")
		mongoDBF     = flag.String("mongo-db", "kiln", "MongoDB database name")
		instanceF    = flag.String("instance-id", "", "Worker instance id (generated when empty)")
		concurrencyF = flag.Int("concurrency", worker.DefaultConcurrency, "Maximum simultaneous runs")
		modelF       = flag.String("model", string(sdk.ModelClaudeSonnet4_20250514), "Default Claude model identifier")
		dbgF         = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	redisOpts, err := redis.ParseURL(*redisURLF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid redis URL %q", *redisURLF)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "redis unreachable at %q", *redisURLF)
	}

	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(*mongoURLF))
	if err != nil {
		log.Fatalf(ctx, err, "mongo connect %q", *mongoURLF)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(shutdownCtx)
	}()
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		log.Fatalf(ctx, err, "mongo unreachable at %q", *mongoURLF)
	}

	runStore, err := storemongo.New(storemongo.Options{Client: mongoClient, Database: *mongoDBF})
	if err != nil {
		log.Fatal(ctx, err)
	}

	busClient, err := bus.New(bus.Options{Redis: rdb})
	if err != nil {
		log.Fatal(ctx, err)
	}

	pulseClient, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		log.Fatal(ctx, err)
	}
	jobBroker, err := broker.New(broker.Options{Client: pulseClient})
	if err != nil {
		log.Fatal(ctx, err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatal(ctx, errors.New("ANTHROPIC_API_KEY is required"))
	}
	anthropicClient := sdk.NewClient(option.WithAPIKey(apiKey))

	logger := telemetry.NewClueLogger()
	coord, err := orchestrator.New(orchestrator.Options{
		Bus:              busClient,
		Store:            runStore,
		InstanceID:       instanceID(*instanceF),
		AgentProducer:    agentFactory(&anthropicClient.Messages, *modelF),
		WorkflowProducer: workflowFactory(logger),
		Logger:           logger,
		Metrics:          telemetry.NewOTELMetrics(),
		Tracer:           telemetry.NewOTELTracer(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	w, err := worker.New(worker.Options{
		Broker:      jobBroker,
		Coordinator: coord,
		Bus:         busClient,
		InstanceID:  instanceID(*instanceF),
		Concurrency: *concurrencyF,
		Logger:      logger,
		Metrics:     telemetry.NewOTELMetrics(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "instance-id", V: w.InstanceID()}, log.KV{K: "concurrency", V: *concurrencyF})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Printf(ctx, "received %v, draining", sig)
		cancel()
	}()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

func instanceID(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// agentFactory opens agent drivers for incoming jobs. The job's agent_config
// blob carries the prompt and optional system/tool settings.
func agentFactory(messages agent.MessagesClient, defaultModel string) orchestrator.AgentProducerFactory {
	return func(_ context.Context, job broker.AgentJob) (producer.Producer, error) {
		var cfg struct {
			Prompt         string  `json:"prompt"`
			System         string  `json:"system,omitempty"`
			MaxTokens      int     `json:"max_tokens,omitempty"`
			Temperature    float64 `json:"temperature,omitempty"`
			ThinkingBudget int64   `json:"thinking_budget,omitempty"`
		}
		if len(job.AgentConfig) > 0 {
			if err := json.Unmarshal(job.AgentConfig, &cfg); err != nil {
				return nil, fmt.Errorf("decode agent config for run %s: %w", job.RunID, err)
			}
		}
		if cfg.Prompt == "" {
			return nil, fmt.Errorf("run %s has no prompt in agent config", job.RunID)
		}
		model := job.ModelName
		if model == "" {
			model = defaultModel
		}
		return agent.New(agent.Options{
			Messages:       messages,
			Model:          model,
			Prompt:         cfg.Prompt,
			System:         cfg.System,
			MaxTokens:      cfg.MaxTokens,
			Temperature:    cfg.Temperature,
			EnableThinking: job.EnableThinking,
			ThinkingBudget: cfg.ThinkingBudget,
		})
	}
}

// workflowFactory opens workflow executors. Definitions are JSON documents;
// task nodes are logged and echoed until real node actions are registered.
func workflowFactory(logger telemetry.Logger) orchestrator.WorkflowProducerFactory {
	runner := workflow.NodeRunnerFunc(func(ctx context.Context, node workflow.Node, _ map[string]any) (any, error) {
		logger.Info(ctx, "workflow node executed", "node", node.ID, "action", node.Action)
		return map[string]any{"action": node.Action, "params": node.Params}, nil
	})
	return func(_ context.Context, job broker.WorkflowJob) (producer.Producer, error) {
		def, err := workflow.ParseJSON(job.WorkflowDefinition)
		if err != nil {
			return nil, fmt.Errorf("execution %s: %w", job.ExecutionID, err)
		}
		return workflow.NewExecutor(def, job.Variables, runner)
	}
}
