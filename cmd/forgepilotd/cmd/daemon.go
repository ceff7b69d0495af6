package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgepilot/forgepilot/internal/adapters/github"
	"github.com/forgepilot/forgepilot/internal/agent"
	"github.com/forgepilot/forgepilot/internal/cipoller"
	"github.com/forgepilot/forgepilot/internal/config"
	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/cycle"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/llm"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/metrics"
	"github.com/forgepilot/forgepilot/internal/notify"
	"github.com/forgepilot/forgepilot/internal/outputmux"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/reviewexec"
	"github.com/forgepilot/forgepilot/internal/runexec"
	"github.com/forgepilot/forgepilot/internal/sourcehost"
	"github.com/forgepilot/forgepilot/internal/store"
	"github.com/forgepilot/forgepilot/internal/supervisor"
	"github.com/forgepilot/forgepilot/internal/worker"
	"github.com/forgepilot/forgepilot/internal/workspace"
)

// daemonInfra holds every long-lived collaborator wired together by
// runDaemon, mirroring the teacher's serveInfra: one struct threaded
// through a sequence of setup helpers instead of a single sprawling
// function.
type daemonInfra struct {
	logger *logging.Logger
	loader *config.Loader
	cfg    *config.Config
	durs   config.Durations

	store      *store.Store
	queue      queue.Backend
	workspaces *workspace.Manager
	agents     *agent.Registry
	output     *outputmux.Multiplexer
	hosts      *sourcehost.Client
	notifier   *notify.Notifier
	translator *llm.Translator
	metrics    *metrics.Registry
	sup        *supervisor.Supervisor
	poller     *cipoller.Poller
	runExec    *runexec.Executor
	reviewExec *reviewexec.Executor
	engine     *cycle.Engine
	pool       *worker.Pool
}

func runDaemon(_ *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{Level: logLevel, Format: logFormat, Output: os.Stdout})
	infra := &daemonInfra{logger: logger}

	if err := setupDaemonConfig(infra); err != nil {
		return err
	}
	if err := setupDaemonStoreAndQueue(infra); err != nil {
		return err
	}
	setupDaemonCollaborators(infra)
	if err := setupDaemonExecutors(infra); err != nil {
		return err
	}
	setupDaemonWorkerPool(infra)

	defer infra.store.Close()
	defer closeQueue(infra.queue)

	if addr := infra.cfg.Metrics.ListenAddr; addr != "" {
		startMetricsListener(infra, addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := syncConfiguredRepositories(ctx, infra); err != nil {
		logger.Warn("syncing configured repositories failed", slog.String("error", err.Error()))
	}

	if n, err := infra.engine.ReconcileOnStartup(ctx); err != nil {
		logger.Warn("startup cycle reconciliation failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("reconciled abandoned cycle states", slog.Int("count", n))
	}

	if err := infra.pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	defer infra.pool.Stop()

	if err := infra.loader.WatchAndReload(func(reloaded *config.Config) {
		logger.Info("configuration reloaded; restart forgepilotd to apply queue/store driver changes",
			slog.Int("max_concurrent_jobs", reloaded.Worker.MaxConcurrentJobs))
	}); err != nil {
		logger.Warn("config hot-reload unavailable", slog.String("error", err.Error()))
	}

	logger.Info("forgepilotd started",
		slog.String("store_driver", infra.cfg.Store.Driver),
		slog.String("queue_driver", infra.cfg.Queue.Driver),
		slog.Int("concurrency", infra.cfg.Worker.MaxConcurrentJobs))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down forgepilotd...")
	shutdownCtx := context.Background()
	if err := infra.sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("supervisor shutdown incomplete", slog.String("error", err.Error()))
	}
	logger.Info("forgepilotd stopped")
	return nil
}

func setupDaemonConfig(infra *daemonInfra) error {
	infra.loader = config.NewLoaderWithViper(viper.GetViper()).WithLogger(infra.logger)
	if cfgFile != "" {
		infra.loader.WithConfigFile(cfgFile)
	}
	cfg, err := infra.loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	infra.cfg = cfg
	infra.durs = config.MustParseDurations(cfg)
	return nil
}

func setupDaemonStoreAndQueue(infra *daemonInfra) error {
	cfg := infra.cfg
	storeOpt := store.WithLogger(infra.logger)

	var st *store.Store
	var err error
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.OpenPostgres(cfg.Store.DSN, storeOpt)
	default:
		st, err = store.OpenSQLite(cfg.Store.DSN, storeOpt)
	}
	if err != nil {
		return fmt.Errorf("opening store (%s): %w", cfg.Store.Driver, err)
	}
	infra.store = st

	queueOpt := queue.WithLogger(infra.logger)
	switch cfg.Queue.Driver {
	case "postgres":
		qb, err := queue.OpenPostgres(cfg.Queue.DSN, queueOpt)
		if err != nil {
			return fmt.Errorf("opening queue (postgres): %w", err)
		}
		infra.queue = qb
	case "redis":
		rdb := redisClientFor(cfg)
		infra.queue = queue.NewRedisBackend(rdb)
	default:
		qb, err := queue.OpenSQLite(cfg.Queue.DSN, queueOpt)
		if err != nil {
			return fmt.Errorf("opening queue (sqlite): %w", err)
		}
		infra.queue = qb
	}
	return nil
}

func setupDaemonCollaborators(infra *daemonInfra) {
	cfg := infra.cfg
	log := infra.logger

	infra.workspaces = workspace.New(cfg.Workspace.BaseDir, workspace.WithLogger(log))
	infra.agents = agent.NewRegistry(agent.BinPaths{
		ClaudeCode: cfg.Agents.ClaudeCodePath,
		CodexCLI:   cfg.Agents.CodexCLIPath,
		GeminiCLI:  cfg.Agents.GeminiCLIPath,
		Git:        cfg.Agents.GitPath,
	}, log)
	infra.output = outputmux.New(outputmux.Config{
		MaxHistory:          cfg.Output.MaxHistory,
		SubscriberQueueSize: cfg.Output.MaxQueueSize,
		Retention:           infra.durs.OutputCleanupAfter,
	}, outputmux.WithStore(infra.store), outputmux.WithLogger(log))

	infra.hosts = sourcehost.New(github.NewExecRunner(), log)
	infra.notifier = notify.New(notify.Config{Token: cfg.Slack.Token, Channel: cfg.Slack.Channel}, log)
	infra.translator = llm.New(llm.Config{APIKey: cfg.Anthropic.APIKey, Model: cfg.Anthropic.Model}, log)
	infra.metrics = metrics.New()
	infra.sup = supervisor.New(log)
	infra.poller = cipoller.New(infra.hosts, infra.sup, cipoller.Config{
		Interval: infra.durs.CIPollInterval,
		Timeout:  infra.durs.CIPollTimeout,
	}, log)
}

// syncConfiguredRepositories finds-or-creates a store row for every
// repository named in cfg.Repositories. An entry that leaves
// default_branch blank has it resolved from the host via
// sourcehost.Client.GetDefaultBranch, so operators don't need to know
// a repository's default branch up front.
func syncConfiguredRepositories(ctx context.Context, infra *daemonInfra) error {
	for _, rc := range infra.cfg.Repositories {
		existing, err := infra.store.GetRepositoryByRemoteURL(ctx, rc.RemoteURL)
		if err != nil {
			return fmt.Errorf("looking up repository %s: %w", rc.FullName, err)
		}
		if existing != nil {
			continue
		}

		defaultBranch := rc.DefaultBranch
		if defaultBranch == "" {
			defaultBranch, err = infra.hosts.GetDefaultBranch(ctx, rc.FullName)
			if err != nil {
				return fmt.Errorf("resolving default branch for %s: %w", rc.FullName, err)
			}
		}

		repo := &domain.Repository{
			ID:            uuid.NewString(),
			RemoteURL:     rc.RemoteURL,
			DefaultBranch: defaultBranch,
			CreatedAt:     time.Now().UTC(),
		}
		if err := infra.store.CreateRepository(ctx, repo); err != nil {
			return fmt.Errorf("creating repository %s: %w", rc.FullName, err)
		}
		infra.logger.Info("registered repository", slog.String("full_name", rc.FullName), slog.String("default_branch", defaultBranch))
	}
	return nil
}

func setupDaemonExecutors(infra *daemonInfra) error {
	log := infra.logger
	infra.runExec = runexec.New(runexec.Deps{
		Workspaces: infra.workspaces,
		Agents:     infra.agents,
		Output:     infra.output,
		Store:      infra.store,
		Hosts:      infra.hosts,
		Translator: infra.translator,
		Log:        log,
	})
	infra.reviewExec = reviewexec.New(reviewexec.Deps{
		Workspaces: infra.workspaces,
		Agents:     infra.agents,
		Output:     infra.output,
		Store:      infra.store,
		Log:        log,
	})

	infra.engine = cycle.New(cycle.Deps{
		Store:             infra.store,
		Queue:             infra.queue,
		Supervisor:        infra.sup,
		CIPoller:          infra.poller,
		Hosts:             infra.hosts,
		Notifier:          infra.notifier,
		MergeMethod:       infra.cfg.Cycle.MergeMethod,
		MergeDeleteBranch: infra.cfg.Cycle.MergeDeleteBranch,
		Log:               log,
		Limits: cycle.Limits{
			MaxCIIterations:        infra.cfg.Cycle.MaxCIIterations,
			MaxReviewIterations:    infra.cfg.Cycle.MaxReviewIterations,
			MaxTotalIterations:     infra.cfg.Cycle.MaxTotalIterations,
			WarnIterationThreshold: infra.cfg.Cycle.WarnIterationThreshold,
			MinReviewScore:         infra.cfg.Cycle.MinReviewScore,
			PhaseTimeout:           infra.durs.PhaseTimeout,
			RunWaitTimeout:         cycle.DefaultLimits().RunWaitTimeout,
			RunPollInterval:        cycle.DefaultLimits().RunPollInterval,
			ReviewWaitTimeout:      cycle.DefaultLimits().ReviewWaitTimeout,
			ReviewPollInterval:     cycle.DefaultLimits().ReviewPollInterval,
		},
	})
	return nil
}

// setupDaemonWorkerPool wires the two job handlers the cycle engine
// enqueues: the coding phase enqueues a JobKindRunExecute referencing a
// Run id, and the review phase enqueues a JobKindReviewExecute
// referencing a Review id. Each handler loads its target by
// job.RefID and defers to the matching Executor, which persists
// terminal state itself; the cycle engine observes completion by
// polling the store rather than through this handler's return value.
func setupDaemonWorkerPool(infra *daemonInfra) {
	cfg := infra.cfg
	pool := worker.New(infra.queue, worker.Config{
		PollInterval:      infra.durs.PollInterval,
		VisibilityTimeout: infra.durs.VisibilityTimeout,
		Concurrency:       cfg.Worker.MaxConcurrentJobs,
		DefaultRetryDelay: infra.durs.RetryDelay,
	}, infra.logger)

	// Failures before the Executor takes over leave the Run/Review row
	// untouched (not yet transitioned to a terminal status), so they are
	// reported as retryable: a transient store or clone hiccup should
	// requeue, not silently complete the job with nothing done.
	pool.Register(domain.JobKindRunExecute, func(ctx context.Context, job *domain.Job) error {
		run, err := infra.store.GetRun(ctx, job.RefID)
		if err != nil {
			return core.ErrExecution("RUN_LOOKUP_FAILED", fmt.Sprintf("loading run %s", job.RefID)).WithCause(err)
		}
		if run == nil {
			return core.ErrExecution("RUN_LOOKUP_FAILED", fmt.Sprintf("run %s not found", job.RefID))
		}
		task, err := infra.store.GetTask(ctx, run.TaskID)
		if err != nil || task == nil {
			return core.ErrExecution("RUN_LOOKUP_FAILED", fmt.Sprintf("loading task for run %s", job.RefID)).WithCause(err)
		}
		repo, err := infra.store.GetRepository(ctx, task.RepositoryID)
		if err != nil || repo == nil {
			return core.ErrExecution("RUN_LOOKUP_FAILED", fmt.Sprintf("loading repository for run %s", job.RefID)).WithCause(err)
		}

		authURL, err := infra.hosts.GetAuthURL(ctx, repo.RemoteURL)
		if err != nil {
			infra.logger.Warn("resolving host auth failed, cloning without credentials",
				slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}

		ws := resolveWorkspace(ctx, infra, run, repo, authURL)
		if ws == nil {
			ws, err = infra.workspaces.Create(ctx, workspace.CreateOptions{
				RemoteURL:  repo.RemoteURL,
				BaseBranch: run.BaseRef,
				RunID:      run.ID,
				AuthURL:    authURL,
			}, cfg.Workspace.UseShallowClone)
			if err != nil {
				return core.ErrExecution("WORKSPACE_CREATE_FAILED", fmt.Sprintf("creating workspace for run %s", job.RefID)).WithCause(err)
			}
		}

		resumeSessionID := ""
		if run.SessionID != nil {
			resumeSessionID = *run.SessionID
		}
		return infra.runExec.Run(ctx, run, ws, repo, resumeSessionID)
	})

	pool.Register(domain.JobKindReviewExecute, func(ctx context.Context, job *domain.Job) error {
		review, err := infra.store.GetReview(ctx, job.RefID)
		if err != nil {
			return core.ErrExecution("REVIEW_LOOKUP_FAILED", fmt.Sprintf("loading review %s", job.RefID)).WithCause(err)
		}
		if review == nil {
			return core.ErrExecution("REVIEW_LOOKUP_FAILED", fmt.Sprintf("review %s not found", job.RefID))
		}
		return infra.reviewExec.Run(ctx, review)
	})

	infra.pool = pool
}

// resolveWorkspace implements the Run Executor's workspace reuse policy
// (spec §4.3, "Reuse policy", invariant R2: at most one reusable
// workspace per (task, executor_kind)): it looks up the most recent
// prior run sharing run's task and executor kind, and reuses that run's
// workspace when workspace.Manager.ShouldReuse agrees it is still safe
// to build on. It returns nil (never an error) on anything short of a
// confirmed-reusable workspace, leaving the caller to clone fresh.
func resolveWorkspace(ctx context.Context, infra *daemonInfra, run *domain.Run, repo *domain.Repository, authURL string) *workspace.Workspace {
	candidate, err := latestReusableRun(ctx, infra, run)
	if err != nil {
		infra.logger.Warn("looking up workspace reuse candidate failed, cloning fresh",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return nil
	}
	if candidate == nil {
		return nil
	}

	path := *candidate.WorkspacePath
	ws := infra.workspaces.Open(path)
	reuse, err := infra.workspaces.ShouldReuse(ctx, ws, run.BaseRef, repo.DefaultBranch, authURL)
	if err != nil {
		infra.logger.Warn("checking workspace reuse validity failed, cloning fresh",
			slog.String("run_id", run.ID), slog.String("workspace_path", path), slog.String("error", err.Error()))
		return nil
	}
	if !reuse {
		return nil
	}

	if candidate.WorkingBranch != nil {
		ws.Branch = *candidate.WorkingBranch
		if run.WorkingBranch == nil {
			run.WorkingBranch = candidate.WorkingBranch
		}
	}
	infra.logger.Info("reusing workspace", slog.String("run_id", run.ID), slog.String("workspace_path", path))
	return ws
}

// latestReusableRun returns the most recent prior run sharing run's
// (task, executor_kind) pair with a recorded, non-legacy workspace
// path, or nil if none exists.
func latestReusableRun(ctx context.Context, infra *daemonInfra, run *domain.Run) (*domain.Run, error) {
	history, err := infra.store.ListRunsByTask(ctx, run.TaskID)
	if err != nil {
		return nil, err
	}
	for _, prior := range history {
		if prior.ID == run.ID || prior.ExecutorKind != run.ExecutorKind || prior.WorkspacePath == nil {
			continue
		}
		if workspace.IsLegacyWorkspace(*prior.WorkspacePath) {
			continue
		}
		return prior, nil
	}
	return nil, nil
}

func startMetricsListener(infra *daemonInfra, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infra.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			infra.logger.Warn("metrics listener stopped", slog.String("error", err.Error()))
		}
	}()
	infra.logger.Info("metrics listener started", slog.String("addr", addr))
}

func redisClientFor(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: cfg.Queue.RedisAddr,
		DB:   cfg.Queue.RedisDB,
	})
}

func closeQueue(q queue.Backend) {
	_ = q.Close()
}
