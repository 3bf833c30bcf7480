package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"genflow/internal/api"
	"genflow/internal/artifact"
	"genflow/internal/capability"
	"genflow/internal/config"
	"genflow/internal/engine"
	"genflow/internal/models"
	"genflow/internal/notify"
	"genflow/internal/ratelimit"
	"genflow/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

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
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	broadcaster := notify.New(redisClient, cfg.ProgressChannel, log)

	chatCfg := providerConfig(ctx, st, "chat", capability.ProviderConfig{
		BaseURL: cfg.ChatBaseURL, APIKey: cfg.ChatAPIKey, Model: cfg.ChatModel, Timeout: cfg.ProviderTimeout,
	}, log)
	imageCfg := providerConfig(ctx, st, "image", capability.ProviderConfig{
		BaseURL: cfg.ImageBaseURL, APIKey: cfg.ImageAPIKey, Model: cfg.ImageModel, Timeout: cfg.ProviderTimeout,
	}, log)
	videoCfg := providerConfig(ctx, st, "video", capability.ProviderConfig{
		BaseURL: cfg.VideoBaseURL, APIKey: cfg.VideoAPIKey, Model: cfg.VideoModel, Timeout: cfg.ProviderTimeout,
	}, log)

	registry := capability.NewRegistry()
	registry.Register(models.KindChat, capability.NewRateLimited(
		capability.NewChatProvider(chatCfg), limiter, "chat", cfg.RateLimitMaxWait))
	registry.Register(models.KindTextToImage, capability.NewRateLimited(
		capability.NewImageProvider(imageCfg), limiter, "image", cfg.RateLimitMaxWait))
	if videoCfg.BaseURL != "" {
		registry.Register(models.KindImageToVideo, capability.NewRateLimited(
			capability.NewVideoProvider(videoCfg), limiter, "video", cfg.RateLimitMaxWait))
	}

	ctrl := engine.NewController(registry, engine.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		RetryCount:    cfg.RetryCount,
		RetryDelay:    cfg.RetryDelay,
	}, broadcaster, log)

	sink, err := artifact.NewSink(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact sink")
	}
	ctrl.SetItemHook(func(job models.BatchJob, item models.WorkItem) {
		if item.Kind != models.KindTextToImage {
			return
		}
		url, ok := item.Result.(string)
		if !ok || url == "" {
			return
		}
		go func() {
			if err := sink.Store(ctx, job.ID, item.ID, url); err != nil {
				log.Warn().Err(err).Str("item_id", item.ID).Msg("store artifact")
			}
		}()
	})

	server := api.New(ctx, cfg, ctrl, st, broadcaster, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Int("max_concurrent", cfg.MaxConcurrent).Msg("engine listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// providerConfig overlays stored provider settings on the env-derived config.
// The API key always comes from the environment; the store only holds a ref.
func providerConfig(ctx context.Context, st *store.Store, provider string, base capability.ProviderConfig, log zerolog.Logger) capability.ProviderConfig {
	setting, err := st.GetProviderSetting(ctx, provider)
	if errors.Is(err, store.ErrNotFound) {
		return base
	}
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("load provider setting")
		return base
	}
	if setting.BaseURL != "" {
		base.BaseURL = setting.BaseURL
	}
	if setting.Model != "" {
		base.Model = setting.Model
	}
	return base
}
