package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/camarasama/instant-class-chat/internal/account"
	"github.com/camarasama/instant-class-chat/internal/chat"
	"github.com/camarasama/instant-class-chat/internal/config"
	"github.com/camarasama/instant-class-chat/internal/db"
	internalhttp "github.com/camarasama/instant-class-chat/internal/http"
	"github.com/camarasama/instant-class-chat/internal/hub"
	"github.com/camarasama/instant-class-chat/internal/jobs"
	"github.com/camarasama/instant-class-chat/internal/mail"
	"github.com/camarasama/instant-class-chat/internal/metrics"
	"github.com/camarasama/instant-class-chat/internal/presence"
	"github.com/camarasama/instant-class-chat/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("redis unreachable, presence tracking disabled: %v", err)
			redisClient = nil
		}
	}

	var sender mail.Sender = mail.LogSender{}
	if cfg.SMTPHost != "" {
		sender = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
	}

	accounts := account.NewService(store, sender, cfg.OTPTTL)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	tracker := presence.NewTracker(redisClient, cfg.PresenceTTL)

	h := hub.New(store, tracker, collector, hub.Options{
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
	})
	h.SetIngress(chat.NewPipeline(store, h, collector))

	jobs.StartReclaimJob(ctx, accounts, collector, cfg.ReclaimInterval)

	server := internalhttp.NewServer(cfg, store, accounts, h, tracker, collector)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("class-chat listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	h.Shutdown()
}
