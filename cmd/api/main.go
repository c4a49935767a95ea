package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	api "evaluation-scheduler/internal/api"
	"evaluation-scheduler/internal/archive"
	"evaluation-scheduler/internal/config"
	"evaluation-scheduler/internal/directory"
	"evaluation-scheduler/internal/lifecycle"
	"evaluation-scheduler/internal/lock"
	"evaluation-scheduler/internal/notify"
	"evaluation-scheduler/internal/queue"
	"evaluation-scheduler/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewTriggerQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	locks := lock.NewRedisLock(redisClient, cfg.LockTTL)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	dir := directory.New(cfg)
	gateway := notify.NewGateway(awsCfg, dir, st, cfg.EmailFrom, cfg.SESConfigSet)

	deps := lifecycle.Deps{
		Repo:        st,
		Jobs:        st,
		Trigger:     q,
		Locks:       locks,
		Notifier:    gateway,
		Permissions: dir,
		Admin:       dir,
		Audit:       st,
	}
	if cfg.ArchiveBucket != "" {
		deps.Archive = archive.New(awsCfg, cfg.ArchiveBucket)
	}
	engine := lifecycle.New(lifecycle.Config{
		GracePeriod:         cfg.GracePeriod,
		InstructorsAddItems: cfg.InstructorsAddItems,
	}, deps)

	server := api.New(cfg, st, engine)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
