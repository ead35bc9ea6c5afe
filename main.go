package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/repo-mirror/repolist"
	"github.com/utilitywarehouse/repo-mirror/repopool"
	"github.com/utilitywarehouse/repo-mirror/repository"
	"github.com/utilitywarehouse/repo-mirror/truststore"
	"golang.org/x/sync/errgroup"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("REPO_MIRROR_CONFIG"),
			Usage:   "Path to the optional settings file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
		&cli.StringFlag{
			Name:    "repos",
			Sources: cli.EnvVars("REPO_MIRROR_REPOS"),
			Value:   "repos.json",
			Usage:   "Path to the list of repositories to mirror.",
		},
		&cli.StringFlag{
			Name:    "known-hosts",
			Sources: cli.EnvVars("REPO_MIRROR_KNOWN_HOSTS"),
			Value:   "known_hosts.json",
			Usage:   "Path to the trusted host keys file.",
		},
		&cli.BoolFlag{
			Name:  "trust",
			Usage: "Connect to every configured host once, trust and record their host keys and exit.",
		},
		&cli.BoolFlag{
			Name:  "print",
			Usage: "Print trusted host keys after --trust.",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Reject unknown hosts without prompting.",
		},
		&cli.BoolFlag{
			Name:  "server",
			Usage: "Run the config API alongside the mirror loop.",
		},
		&cli.BoolFlag{
			Name:  "only-server",
			Usage: "Run the config API only.",
		},
		&cli.BoolFlag{
			Name:  "bare",
			Usage: "Create bare local caches.",
		},
		&cli.StringFlag{
			Name:  "listen",
			Value: "127.0.0.1:5000",
			Usage: "Address of the config API.",
		},
		&cli.StringFlag{
			Name:  "ui-dir",
			Value: "ui/build",
			Usage: "Dir of the static config UI.",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func enableMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(configSuccess, configSuccessTime)
	repository.EnableMetrics("", registerer)
	repopool.EnableMetrics("", registerer)
	truststore.EnableMetrics("", registerer)
}

func main() {
	cmd := &cli.Command{
		Name:   "repo-mirror",
		Usage:  "repo-mirror periodically mirrors branch heads of git repositories to mirror remotes.",
		Flags:  flags,
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	// set log level according to argument
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	enableMetrics(prometheus.DefaultRegisterer)

	list := repolist.New(c.String("repos"))

	if c.Bool("only-server") {
		return runServer(ctx, c.String("listen"), newServeMux(list, c.String("ui-dir"), logger), logger)
	}

	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "unable to load config")
	}
	if c.Bool("bare") {
		conf.Defaults.Bare = true
	}

	policy, err := trustPolicy(c, conf.Defaults.TrustPolicy)
	if err != nil {
		return err
	}

	store := truststore.Load(c.String("known-hosts"), logger)
	defer func() {
		if err := store.Flush(); err != nil {
			logger.Error("unable to flush trust store", "err", err)
		}
	}()
	verifier := truststore.NewVerifier(store, policy, nil, logger)

	creds, err := newCredentials(conf.Defaults.Auth, verifier.HostKeyCallback())
	if err != nil {
		return err
	}

	repos, err := repopool.New(*conf, list, creds, logger)
	if err != nil {
		return errors.Wrap(err, "could not create repo pool")
	}

	if c.Bool("trust") {
		return seedTrust(ctx, repos, store, c.Bool("print"))
	}

	// an empty or unreadable list is fatal only at startup
	if err := repos.Validate(); err != nil {
		return err
	}

	if conf.Defaults.CleanupOrphans {
		entries, _ := list.Load()
		cleanupOrphanedRepos(conf.Defaults.Root, entries, logger)
	}

	g, gCtx := errgroup.WithContext(ctx)
	if c.Bool("server") {
		g.Go(func() error {
			return runOptionalServer(gCtx, c.String("listen"), newServeMux(list, c.String("ui-dir"), logger), logger)
		})
	}
	g.Go(func() error {
		repos.StartLoop(gCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func trustPolicy(c *cli.Command, configured string) (truststore.Policy, error) {
	switch {
	case c.Bool("trust"):
		return truststore.AutoTrust, nil
	case c.Bool("strict"):
		return truststore.Strict, nil
	default:
		return truststore.ParsePolicy(configured)
	}
}

func seedTrust(ctx context.Context, repos *repopool.RepoPool, store *truststore.Store, printStore bool) error {
	report, err := repos.SeedTrust(ctx)
	if err != nil {
		return err
	}

	if printStore {
		out, err := store.JSON()
		if err != nil {
			return errors.Wrap(err, "unable to encode trust store")
		}
		fmt.Println(string(out))
	}

	if len(report.Errors) > 0 {
		return errors.Newf("unable to verify %d of %d hosts", len(report.Errors), len(report.Hosts))
	}
	logger.Info("all hosts verified", "hosts", len(report.Hosts))
	return nil
}
