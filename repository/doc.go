// Package repository mirrors the branch heads of a source git repository
// to a mirror remote through a local cache repository.
//
// Each call to Mirror runs one cycle:
//
//  1. materialize: open the local cache, or clone the source into it. A cache
//     which can't be opened or whose origin no longer points at the source is
//     deleted and cloned again.
//  2. fetch: force fetch `refs/heads/*` from origin into `refs/heads/*`.
//  3. ref set: the branch heads currently advertised by origin. Refs which
//     only exist locally are never mirrored.
//  4. push: force push every head to the same name on a transient `mirror`
//     remote.
//  5. cleanup: the `mirror` remote is deleted on every exit path.
//
// Branches deleted upstream are not deleted from the mirror.
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
//	repo, err := repository.New(repository.Config{
//		Source: "https://example.test/repo-a.git",
//		Mirror: "ssh://git@mirror.test/repo-a.git",
//		Root:   "/var/lib/repo-mirror",
//		Bare:   true,
//	}, credentials, logger)
//	if err != nil {
//		panic(err)
//	}
//
//	res := repo.Mirror(ctx)
package repository
