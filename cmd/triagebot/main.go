package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/triagekit/triagebot/internal/config"
	"github.com/triagekit/triagebot/internal/triagebot/cache"
	"github.com/triagekit/triagebot/internal/triagebot/db"
	"github.com/triagekit/triagebot/internal/triagebot/executor"
	"github.com/triagekit/triagebot/internal/triagebot/facts"
	"github.com/triagekit/triagebot/internal/triagebot/fetch"
	ghclient "github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/orchestrator"
)

var version = "dev"

func usage() {
	fmt.Fprint(os.Stderr, `triagebot — automated issue and pull request triage

Usage:
  triagebot run [flags]     Run a triage pass (or loop with --daemonize)

Flags:
  --config        Path to the YAML config file (default: ~/.triagebot/config.yml)
  --repo          Restrict the pass to one configured "owner/name" repo
  --number        Restrict the pass to a single issue number
  --dry-run       Compute and log actions without applying them
  --force         Reprocess issues that have not changed since the last pass
  --daemonize     Keep running, one pass per interval
  --interval      Pass interval in daemon mode (default: from config)
  --cachedir      Override the on-disk cache directory
  --logfile       Append logs to a file instead of stderr
  --workers       Total number of partitioned worker processes
  --worker-index  This worker's partition (0-based)
  --github-url    Override the API endpoint (env: TRIAGEBOT_GITHUB_URL)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "run":
		err = runTriage(rest)
	case "--version", "version":
		fmt.Println("triagebot " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "triagebot %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

type runFlags struct {
	configPath  string
	repo        string
	number      int
	dryRun      bool
	force       bool
	daemonize   bool
	interval    time.Duration
	cacheDir    string
	logFile     string
	workers     int
	workerIndex int
	githubURL   string
}

func parseRunFlags(args []string) (runFlags, error) {
	f := runFlags{
		workerIndex: -1,
		githubURL:   os.Getenv("TRIAGEBOT_GITHUB_URL"),
	}
	next := func(i *int, name string) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--config":
			f.configPath, err = next(&i, "--config")
		case "--repo":
			f.repo, err = next(&i, "--repo")
		case "--number":
			var v string
			if v, err = next(&i, "--number"); err == nil {
				f.number, err = strconv.Atoi(v)
			}
		case "--dry-run":
			f.dryRun = true
		case "--force":
			f.force = true
		case "--daemonize":
			f.daemonize = true
		case "--interval":
			var v string
			if v, err = next(&i, "--interval"); err == nil {
				f.interval, err = time.ParseDuration(v)
			}
		case "--cachedir":
			f.cacheDir, err = next(&i, "--cachedir")
		case "--logfile":
			f.logFile, err = next(&i, "--logfile")
		case "--workers":
			var v string
			if v, err = next(&i, "--workers"); err == nil {
				f.workers, err = strconv.Atoi(v)
			}
		case "--worker-index":
			var v string
			if v, err = next(&i, "--worker-index"); err == nil {
				f.workerIndex, err = strconv.Atoi(v)
			}
		case "--github-url":
			f.githubURL, err = next(&i, "--github-url")
		default:
			return f, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return f, err
		}
	}
	if f.workers > 1 && (f.workerIndex < 0 || f.workerIndex >= f.workers) {
		return f, fmt.Errorf("--worker-index must be in [0, %d)", f.workers)
	}
	return f, nil
}

func runTriage(args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}

	// --- 1. Logging ---
	logger := slog.Default()
	if flags.logFile != "" {
		file, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer file.Close()
		logger = slog.New(slog.NewTextHandler(file, nil))
		slog.SetDefault(logger)
	}

	// --- 2. Signal handling for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 3. Configuration ---
	if flags.configPath == "" {
		flags.configPath = config.DefaultPath()
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flags.cacheDir != "" {
		cfg.CacheDir = flags.cacheDir
	}
	repos := cfg.Repos
	if flags.repo != "" {
		repos = nil
		for _, r := range cfg.Repos {
			if r == flags.repo {
				repos = []string{r}
			}
		}
		if repos == nil {
			return fmt.Errorf("repo %q is not configured", flags.repo)
		}
	}

	// --- 4. Shared state: sqlite budget + action log ---
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	// --- 5. API clients ---
	githubURL := flags.githubURL
	if githubURL == "" {
		githubURL = cfg.GithubURL
	}
	ghOpts := []ghclient.Option{
		ghclient.WithBudget(database, cfg.BudgetFloor, cfg.BudgetStaleAfter),
		ghclient.WithLogger(logger),
	}
	if githubURL != "" {
		ghOpts = append(ghOpts, ghclient.WithBaseURL(githubURL))
	}
	var app *ghclient.AppCredentials
	if cfg.App != nil {
		app = &ghclient.AppCredentials{
			ClientID:       cfg.App.ClientID,
			InstallationID: cfg.App.InstallationID,
			PrivateKeyPath: cfg.App.PrivateKeyPath,
		}
		ghOpts = append(ghOpts, ghclient.WithAppAuth(*app))
	}
	client, err := ghclient.New(cfg.GithubToken, ghOpts...)
	if err != nil {
		return fmt.Errorf("creating GitHub client: %w", err)
	}

	var gql *ghclient.GraphQLClient
	if app != nil {
		httpClient, err := ghclient.AppHTTPClient(*app, githubURL)
		if err != nil {
			return fmt.Errorf("creating GraphQL client: %w", err)
		}
		gql = ghclient.NewGraphQLClientFromHTTP(httpClient, githubURL)
	} else {
		gql = ghclient.NewGraphQLClient(cfg.GithubToken, githubURL)
	}

	// --- 6. Pipeline ---
	store := cache.NewStore(cfg.CacheDir, logger)
	fetcher := fetch.New(client, store, logger)

	rules := make([]facts.Rule, 0, len(cfg.FileLabelRules))
	for _, r := range cfg.FileLabelRules {
		rules = append(rules, facts.Rule{Pattern: r.Pattern, Labels: r.Labels})
	}
	engine := facts.NewEngine(facts.Settings{
		Maintainers:     cfg.Maintainers,
		BotLogins:       cfg.BotLogins,
		WaffleLimit:     cfg.WaffleLimit,
		FileRules:       rules,
		ExclusiveGroups: cfg.ExclusiveGroups,
	}, logger)

	policy := executor.Apply
	if flags.dryRun {
		policy = executor.DryRun
	}
	exec := executor.New(client, policy, database, cfg.ClosingLabels, logger)

	o := orchestrator.New(client, gql, fetcher, engine, exec, orchestrator.Config{
		Repos:       repos,
		Number:      flags.number,
		Workers:     flags.workers,
		WorkerIndex: flags.workerIndex,
		Force:       flags.force,
		ResumePath:  cfg.CacheDir + "/resume.json",
		BotLogins:   cfg.BotLogins,
	}, logger)

	// --- 7. Run ---
	if !flags.daemonize {
		return o.RunPass(ctx)
	}

	interval := flags.interval
	if interval == 0 {
		interval = time.Duration(cfg.DaemonInterval)
	}
	logger.Info("daemon mode", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.RunPass(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			logger.Error("triage pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
