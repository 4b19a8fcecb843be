package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/agent"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/config"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/store"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rt := realtime.NewRedisWithClient(redisClient)
	queue := agent.NewQueue(redisClient, cfg.AgentQueueKey)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	runner := agent.NewRunner(st, queue, rt, cfg.AgentPollInterval)
	log.Printf("agent runner started, queue=%s poll=%s", cfg.AgentQueueKey, cfg.AgentPollInterval)
	if err := runner.Run(ctx); err != nil {
		log.Printf("agent runner stopped: %v", err)
	}
}
