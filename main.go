package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"huddle/server/internal/core"
	"huddle/server/internal/httpapi"
	"huddle/server/internal/peers"
	"huddle/server/internal/store"
	"huddle/server/internal/uploads"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	// A .env file may supply defaults for the HUDDLE_* variables below.
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("HUDDLE_ADDR", ":8080"), "Listen address")
	dbPath := flag.String("db", envOr("HUDDLE_DB", ""), "SQLite database path (empty = in-memory state only)")
	uploadsDir := flag.String("uploads-dir", envOr("HUDDLE_UPLOADS_DIR", ""), "Upload directory path (defaults to <db-dir>/uploads)")
	historySize := flag.Int("history", envIntOr("HUDDLE_HISTORY", core.DefaultHistorySize), "Per-room history buffer capacity (memory mode; ignored with -db)")
	replayLimit := flag.Int("replay", envIntOr("HUDDLE_REPLAY", core.DefaultReplayLimit), "Messages replayed to a joining connection")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "db", *dbPath)

	var (
		history   core.History
		directory peers.Directory
		ups       *uploads.Store
	)
	if *dbPath != "" {
		sqliteStore, err := store.Open(*dbPath)
		if err != nil {
			slog.Error("open sqlite store", "err", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := sqliteStore.Close(); closeErr != nil {
				slog.Error("close sqlite store", "err", closeErr)
			}
		}()

		uploadRoot := strings.TrimSpace(*uploadsDir)
		if uploadRoot == "" {
			uploadRoot = filepath.Join(filepath.Dir(*dbPath), "uploads")
		}
		ups, err = uploads.NewStore(uploadRoot, sqliteStore)
		if err != nil {
			slog.Error("initialize upload store", "err", err)
			os.Exit(1)
		}

		history = sqliteStore
		directory = sqliteStore
	} else {
		history = core.NewMemoryHistory(*historySize)
		directory = peers.NewMemoryDirectory()
	}

	state := core.NewRoomState(history, *replayLimit)
	server := httpapi.New(state, directory, ups)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go RunMetrics(ctx, state, time.Minute)

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
