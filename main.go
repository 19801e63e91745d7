package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"langy/internal/api"
	"langy/internal/auth"
	"langy/internal/config"
	"langy/internal/redis"
	"langy/internal/service/ai"
	"langy/internal/service/assistant"
	"langy/internal/service/transcript"
	"langy/internal/storage"
	"langy/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	encrypt := flag.Bool("encrypt-secret", false, "read a provider key from stdin, print its enc: form for the config file and exit")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("load env: %v", err)
	}
	if *encrypt {
		if err := encryptSecret(os.Stdin, os.Stdout); err != nil {
			log.Fatalf("encrypt secret: %v", err)
		}
		return
	}
	cfg, err := config.Load(os.Getenv("LANGY_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	profiles, err := config.LoadProfiles(cfg.BasicConfig.ProfilesPath)
	if err != nil {
		log.Fatalf("load profiles: %v", err)
	}

	dbType := os.Getenv("LANGY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	// Create the archive tables: conversations, messages, browser_sessions
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := ai.NewRegistry(cfg.Providers, cfg.CompletionTimeout())
	for _, name := range profiles.Providers() {
		if _, ok := cfg.Providers[name]; !ok {
			log.Printf("warning: no credentials configured for provider %s", name)
		}
	}
	assistantService := assistant.NewService(profiles, clients)

	archive := transcript.NewService(db)
	archive.StartCleaner(ctx, transcript.DefaultCleanupInterval, cfg.ArchiveRetention())

	workerCfg := worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.WorkerIdleTimeout(),
	}
	opts := []worker.Option{worker.WithArchive(archive)}
	if rdb != nil {
		opts = append(opts, worker.WithRedis(rdb, cfg.SessionTTL()))
	}
	manager := worker.NewManager(assistantService, workerCfg, opts...)
	defer manager.Stop()
	manager.StartSweeper(ctx, cfg.SweepInterval(), cfg.SessionTTL())

	authService := auth.NewService(db, rdb, cfg.SessionTTL())
	authService.StartPurger(ctx, cfg.SweepInterval())

	handlers := api.NewHandler(assistantService, manager, archive, authService, 0)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	if err := router.Run(cfg.BasicConfig.ServerAddress); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

// encryptSecret reads one line from r and writes it to w encrypted with
// LANGY_SECRET_KEY.
func encryptSecret(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read key: %w", err)
	}
	plain := strings.TrimSpace(line)
	if plain == "" {
		return fmt.Errorf("empty key")
	}
	enc, err := config.EncryptSecret(plain)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, enc)
	return err
}
