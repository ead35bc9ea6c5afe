// Package repopool drives the mirror cycle of every repository listed in
// repos.json.
//
// Every tick re-reads the list and mirrors each repository in declaration
// order, one at a time, with an optional delay between repositories. A
// failing repository is reported on its result and never blocks the rest.
// StartLoop repeats ticks on a fixed interval until the context is done.
//
// SeedTrust is the one-shot mode used to record the host keys of every
// configured host before the loop is run under the strict trust policy.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	repos, err := repopool.New(conf, repolist.New("repos.json"), credentials, logger)
//	if err != nil {
//		panic(err)
//	}
//	if err := repos.Validate(); err != nil {
//		panic(err)
//	}
//	repos.StartLoop(ctx)
package repopool
