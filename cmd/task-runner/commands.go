package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/claude-task-runner/internal/agent"
	"github.com/hochfrequenz/claude-task-runner/internal/config"
	"github.com/hochfrequenz/claude-task-runner/internal/domain"
	"github.com/hochfrequenz/claude-task-runner/internal/gitops"
	"github.com/hochfrequenz/claude-task-runner/internal/ideas"
	"github.com/hochfrequenz/claude-task-runner/internal/poller"
	"github.com/hochfrequenz/claude-task-runner/internal/recovery"
	"github.com/hochfrequenz/claude-task-runner/internal/requirements"
	"github.com/hochfrequenz/claude-task-runner/internal/retry"
	"github.com/hochfrequenz/claude-task-runner/internal/runner"
	"github.com/hochfrequenz/claude-task-runner/internal/session"
	"github.com/hochfrequenz/claude-task-runner/web/api"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and web API",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last persisted orchestrator state",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered requirement files",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func buildBackend(cfg *config.Config) (agent.JobBackend, error) {
	switch cfg.Agent.Transport {
	case "stream":
		return agent.NewStreamBackend(cfg.Agent.BaseURL)
	case "", "http":
		return agent.NewHTTPBackend(cfg.Agent.BaseURL, cfg.Agent.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown agent transport: %s", cfg.Agent.Transport)
	}
}

func runnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		SettleDelay: cfg.Runner.SettleDelay,
		Create: retry.Policy{
			MaxAttempts: cfg.Runner.CreateAttempts,
			Step:        cfg.Runner.CreateBackoff,
		},
		HealthAttempts: cfg.Runner.HealthAttempts,
		HealthDelay:    cfg.Runner.HealthDelay,
		Poll: poller.Config{
			InitialDelay: cfg.Poll.InitialDelay,
			SlowInterval: cfg.Poll.SlowInterval,
			FastInterval: cfg.Poll.FastInterval,
			FastAfter:    cfg.Poll.FastAfter,
			MaxAttempts:  cfg.Poll.MaxAttempts,
			MaxErrors:    cfg.Poll.MaxErrors,
		},
		GitEnabled:       cfg.Git.Enabled,
		GitCommands:      cfg.Git.Commands,
		GitCommitMessage: cfg.Git.CommitMessage,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var store recovery.SnapshotStore
	if s, err := recovery.NewSQLiteStore(cfg.General.DatabasePath); err != nil {
		log.Printf("Warning: opening recovery store failed, running without persistence: %v", err)
	} else {
		store = s
		defer s.Close()
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	r := runner.New(backend, store, session.NewManager(), runnerConfig(cfg))
	defer r.Close()

	if cfg.Git.Enabled {
		r.SetGit(gitops.New())
	}
	if cfg.General.IdeasFile != "" {
		r.SetIdeas(ideas.New(cfg.General.IdeasFile))
	}

	r.Recover()

	if err := syncRequirements(r, cfg.General.RequirementsDir); err != nil {
		log.Printf("Warning: initial requirements scan failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := requirements.NewWatcher(cfg.General.RequirementsDir, func(changed []string) {
		if err := syncRequirements(r, cfg.General.RequirementsDir); err != nil {
			log.Printf("Warning: requirements re-scan failed: %v", err)
		} else {
			log.Printf("Requirements re-synced after %d file changes", len(changed))
		}
	})
	if err != nil {
		log.Printf("Warning: requirements watcher disabled: %v", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	detector := session.NewDetector(r.Sessions(), cfg.Orphan.Threshold, r.HasRunningJob, func(ctx context.Context, id string) error {
		return r.DeleteBatch(id)
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Orphan.Schedule, func() {
		orphans := detector.Scan()
		if len(orphans) == 0 {
			return
		}
		if cfg.Orphan.AutoCleanup {
			cleaned, err := detector.CleanupAll(ctx)
			if err != nil {
				log.Printf("Warning: orphan cleanup: %v", err)
			}
			log.Printf("Cleaned up %d orphaned sessions", cleaned)
		} else {
			log.Printf("Found %d orphaned sessions (auto_cleanup disabled)", len(orphans))
		}
	}); err != nil {
		return fmt.Errorf("invalid orphan scan schedule %q: %w", cfg.Orphan.Schedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(r, detector, addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Serving web API on http://%s", addr)
		return server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		return nil
	})

	return g.Wait()
}

// syncRequirements discovers requirement files and registers them with the
// runner. Batches are keyed by the frontmatter batch name, falling back to
// the project. Already-registered jobs are skipped by the runner.
func syncRequirements(r *runner.Runner, dir string) error {
	reqs, errs := requirements.ParseDir(dir)
	for _, err := range errs {
		log.Printf("Warning: %v", err)
	}

	byBatch := make(map[string][]*requirements.Requirement)
	for _, req := range reqs {
		if req.Implemented {
			continue
		}
		name := req.Batch
		if name == "" {
			name = req.ID.Project
		}
		byBatch[name] = append(byBatch[name], req)
	}

	for name, group := range byBatch {
		isSession := false
		for _, req := range group {
			if req.Session {
				isSession = true
				break
			}
		}

		b, ok := r.FindBatchByName(name)
		if !ok {
			b = r.CreateBatch(name, isSession)
		}

		jobs := make([]*domain.Job, 0, len(group))
		for _, req := range group {
			jobs = append(jobs, req.Job())
		}
		if err := r.AddJobs(b.ID, jobs); err != nil {
			return err
		}
	}

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := recovery.NewSQLiteStore(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Println("No persisted state")
		return nil
	}

	fmt.Printf("Snapshot from %s\n\n", humanize.Time(snap.SavedAt))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tSTATUS\tJOBS\tSESSION\tAGE")
	for _, b := range snap.Batches {
		session := "-"
		if b.IsSession {
			session = "yes"
			if b.SessionToken != "" {
				session = "yes (token)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", b.Name, b.Status, len(b.JobIDs), session, humanize.Time(b.CreatedAt))
	}
	w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tDURATION\tERROR")
	for _, j := range snap.Jobs {
		duration := "-"
		if d := j.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Status, duration, j.ErrorMessage)
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reqs, errs := requirements.ParseDir(cfg.General.RequirementsDir)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if len(reqs) == 0 {
		fmt.Println("No requirements found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUIREMENT\tBATCH\tSESSION\tIMPLEMENTED")
	for _, req := range reqs {
		batch := req.Batch
		if batch == "" {
			batch = req.ID.Project
		}
		session := "-"
		if req.Session {
			session = "yes"
		}
		implemented := "-"
		if req.Implemented {
			implemented = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", req.ID, batch, session, implemented)
	}
	return w.Flush()
}
