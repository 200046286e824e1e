// Command conductor runs workflow threads from the terminal.
//
// Usage:
//
//	conductor run --prompt "build a landing page" --roles architect,backend
//	conductor resume --thread <id> --approve
//	conductor resume --thread <id> --reject --feedback "too busy"
//	conductor expire --thread <id>
//	conductor history --thread <id>
//	conductor rollback --thread <id> --version 3
//	conductor version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	conductor "github.com/atelierhq/conductor"
	"github.com/atelierhq/conductor/checkpoint"
	"github.com/atelierhq/conductor/config"
	"github.com/atelierhq/conductor/dispatch"
	"github.com/atelierhq/conductor/engine"
	"github.com/atelierhq/conductor/internal/database"
	"github.com/atelierhq/conductor/internal/metrics"
	"github.com/atelierhq/conductor/internal/telemetry"
	"github.com/atelierhq/conductor/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "resume":
		resumeWorkflow(os.Args[2:])
	case "expire":
		expireApproval(os.Args[2:])
	case "history":
		showHistory(os.Args[2:])
	case "rollback":
		rollback(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`conductor - resumable multi-agent workflow engine

Commands:
  run       start a workflow thread
  resume    inject an approval decision into a suspended thread
  expire    time out a suspended thread's pending approval round
  history   list a thread's checkpoints
  rollback  restore a thread to a historical checkpoint version
  version   print version information`)
}

func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	prompt := fs.String("prompt", "", "workflow prompt")
	roles := fs.String("roles", "architect,backend,frontend", "comma-separated role plan")
	thread := fs.String("thread", "", "thread id (generated when empty)")
	_ = fs.Parse(args)

	if *prompt == "" {
		fail("run requires --prompt")
	}

	app := mustBuild(*configPath, strings.Split(*roles, ","))
	defer app.shutdown()

	state, err := app.conductor.Run(context.Background(), *prompt, engine.InvokeOptions{ThreadID: *thread})
	if err != nil {
		fail("run workflow: %v", err)
	}
	printState(state)
}

func resumeWorkflow(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	thread := fs.String("thread", "", "thread id")
	approve := fs.Bool("approve", false, "approve the pending round")
	reject := fs.Bool("reject", false, "reject the pending round")
	option := fs.String("option", "", "selected option id")
	feedback := fs.String("feedback", "", "feedback carried with the decision")
	_ = fs.Parse(args)

	if *thread == "" {
		fail("resume requires --thread")
	}
	if *approve == *reject {
		fail("resume requires exactly one of --approve or --reject")
	}

	app := mustBuild(*configPath, nil)
	defer app.shutdown()

	state, err := app.conductor.Resume(context.Background(), *thread, &types.ApprovalResponse{
		Approved:         *approve,
		SelectedOptionID: *option,
		Feedback:         *feedback,
		RespondedAt:      time.Now(),
	})
	if err != nil {
		fail("resume workflow: %v", err)
	}
	printState(state)
}

func expireApproval(args []string) {
	fs := flag.NewFlagSet("expire", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	thread := fs.String("thread", "", "thread id")
	_ = fs.Parse(args)

	if *thread == "" {
		fail("expire requires --thread")
	}

	app := mustBuild(*configPath, nil)
	defer app.shutdown()

	state, err := app.conductor.ExpireApproval(context.Background(), *thread)
	if err != nil {
		fail("expire approval: %v", err)
	}
	printState(state)
}

func showHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	thread := fs.String("thread", "", "thread id")
	_ = fs.Parse(args)

	if *thread == "" {
		fail("history requires --thread")
	}

	app := mustBuild(*configPath, nil)
	defer app.shutdown()

	history, err := app.conductor.Checkpoints.History(context.Background(), *thread)
	if err != nil {
		fail("list checkpoints: %v", err)
	}
	for _, cp := range history {
		fmt.Printf("v%-3d %-22s %-18s %s\n", cp.Version, cp.ID, cp.Trigger, cp.Reason)
	}
}

func rollback(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	thread := fs.String("thread", "", "thread id")
	version := fs.Int("version", 0, "checkpoint version to restore")
	_ = fs.Parse(args)

	if *thread == "" || *version <= 0 {
		fail("rollback requires --thread and --version")
	}

	app := mustBuild(*configPath, nil)
	defer app.shutdown()

	cp, err := app.conductor.Checkpoints.Rollback(context.Background(), *thread, *version)
	if err != nil {
		fail("rollback: %v", err)
	}
	fmt.Printf("restored thread %s to version %d (new checkpoint %s, version %d)\n",
		*thread, *version, cp.ID, cp.Version)
}

// app bundles the assembled conductor with everything needing shutdown.
type app struct {
	conductor *conductor.Conductor
	logger    *zap.Logger
	providers *telemetry.Providers
	closers   []func()
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.providers.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	for _, closer := range a.closers {
		closer()
	}
	_ = a.logger.Sync()
}

func mustBuild(configPath string, roles []string) *app {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		fail("load config: %v", err)
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fail("build logger: %v", err)
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		fail("init telemetry: %v", err)
	}

	a := &app{logger: logger, providers: providers}

	store, err := buildCheckpointStore(cfg, logger, a)
	if err != nil {
		fail("build checkpoint store: %v", err)
	}

	collector := metrics.NewCollector("conductor", prometheus.DefaultRegisterer, logger)

	c, err := conductor.New(
		conductor.WithConfig(cfg),
		conductor.WithLogger(logger),
		conductor.WithCheckpointStore(store),
		conductor.WithCheckpointObserver(collector),
		conductor.WithMetrics(collector),
		conductor.WithExecutor(echoExecutor(logger)),
		conductor.WithAnalyzer(staticAnalyzer(roles)),
	)
	if err != nil {
		fail("assemble conductor: %v", err)
	}
	a.conductor = c
	return a
}

func buildCheckpointStore(cfg *config.Config, logger *zap.Logger, a *app) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewInMemoryStore(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		return checkpoint.NewRedisStore(client, cfg.Checkpoint.KeyPrefix, 0, logger), nil

	case "database":
		db, err := database.Open(context.Background(), cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return checkpoint.NewGormStore(db, logger)

	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		return checkpoint.NewMongoStore(ctx, coll, logger)

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// echoExecutor is a stand-in worker for local runs: it reports success
// and echoes the task. Production embedders wire a real executor.
func echoExecutor(logger *zap.Logger) dispatch.Executor {
	return dispatch.ExecutorFunc(func(ctx context.Context, role, task string, meta map[string]any) (*types.WorkerResult, error) {
		logger.Info("worker invoked", zap.String("role", role))
		return &types.WorkerResult{
			Success: true,
			Output:  fmt.Sprintf("[%s] %s", role, task),
		}, nil
	})
}

func staticAnalyzer(roles []string) engine.Analyzer {
	return engine.AnalyzerFunc(func(ctx context.Context, prompt string) (*types.Analysis, error) {
		cleaned := make([]string, 0, len(roles))
		for _, r := range roles {
			if r = strings.TrimSpace(r); r != "" {
				cleaned = append(cleaned, r)
			}
		}
		if len(cleaned) == 0 {
			return nil, types.NewError(types.ErrAnalysisFailed, "no roles in plan")
		}
		return &types.Analysis{
			Summary:       "static plan for: " + prompt,
			RequiredRoles: cleaned,
		}, nil
	})
}

func printState(state *types.WorkflowState) {
	out, err := json.MarshalIndent(map[string]any{
		"thread_id":      state.ThreadID,
		"status":         state.Status,
		"waiting_on":     state.WaitingOn,
		"agent_outputs":  len(state.AgentOutputs),
		"thinking_steps": len(state.ThinkingHistory),
		"retry_count":    state.RetryCount,
	}, "", "  ")
	if err != nil {
		fail("render state: %v", err)
	}
	fmt.Println(string(out))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
