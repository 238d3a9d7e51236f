package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-mailer/internal/api"
	"github.com/ignite/campaign-mailer/internal/blocklist"
	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/content"
	"github.com/ignite/campaign-mailer/internal/crm"
	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/ingest"
	"github.com/ignite/campaign-mailer/internal/mailer"
	"github.com/ignite/campaign-mailer/internal/pkg/distlock"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/queue"
	"github.com/ignite/campaign-mailer/internal/status"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	ctx := context.Background()
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	queueClient := queue.NewClient(sqs.NewFromConfig(awsCfg), cfg.Queue.URL, cfg.Queue.WaitSeconds)
	statusStore := status.NewStore(dynamodb.NewFromConfig(awsCfg), cfg.Status.TableName)
	sendClient := mailer.NewClient(sesv2.NewFromConfig(awsCfg), time.Duration(cfg.Mailer.SendTimeoutSeconds)*time.Second)
	contentLoader := content.NewLoader(s3.NewFromConfig(awsCfg), cfg.Content.Bucket)
	crmClient := crm.NewClient(crm.Config{
		BaseURL:        cfg.CRM.BaseURL,
		Username:       cfg.CRM.Username,
		Password:       cfg.CRM.Password,
		AccountCode:    cfg.CRM.AccountCode,
		TimeoutSeconds: cfg.CRM.TimeoutSeconds,
	})

	// Pre-flight: fail fast when a dependency is unreachable.
	preflightCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := queueClient.Ping(preflightCtx); err != nil {
		log.Fatalf("Pre-flight check FAILED: campaign queue unreachable: %v", err)
	}
	if err := statusStore.Ping(preflightCtx); err != nil {
		log.Fatalf("Pre-flight check FAILED: status table unreachable: %v", err)
	}
	if cfg.CRM.BaseURL != "" {
		if err := crmClient.Ping(preflightCtx); err != nil {
			log.Fatalf("Pre-flight check FAILED: CRM unreachable: %v", err)
		}
	}

	blocked, err := blocklist.Load(cfg.Blocklist.Path)
	if err != nil {
		log.Fatalf("Failed to load blocklist: %v", err)
	}
	if cfg.Blocklist.RedisKey != "" {
		merged, err := blocklist.LoadRedis(preflightCtx, blocked, redisClient, cfg.Blocklist.RedisKey)
		if err != nil {
			// The file-based list still applies; Redis may catch up later.
			logger.Warn("failed to load blocklist from redis", "error", err.Error())
		} else {
			blocked = merged
		}
	}
	logger.Info("blocklist loaded", "entries", blocked.Size())

	ingestor := ingest.New(queueClient, crmClient, blocked, ingest.Options{
		PageSize:        cfg.CRM.PageSize,
		BusyBackoff:     time.Duration(cfg.Queue.BusyBackoffSeconds) * time.Second,
		QuotaBackoff:    time.Duration(cfg.Queue.QuotaBackoffSeconds) * time.Second,
		MaxPublishTries: cfg.Queue.PublishMaxAttempts,
	})

	probeSchedule := make([]time.Duration, len(cfg.Dispatch.ProbeScheduleSeconds))
	for i, s := range cfg.Dispatch.ProbeScheduleSeconds {
		probeSchedule[i] = time.Duration(s) * time.Second
	}
	lockTTL := time.Duration(cfg.Dispatch.LockTTLSeconds) * time.Second
	newLock := func(key string) dispatch.Lock {
		return distlock.NewRedisLock(redisClient, key, lockTTL)
	}

	supervisor := dispatch.NewSupervisor(queueClient, sendClient, statusStore, ingestor, newLock, dispatch.Options{
		Workers:        cfg.Dispatch.Workers,
		ReceiveBatch:   cfg.Dispatch.ReceiveBatch,
		EmptyPollDelay: time.Duration(cfg.Dispatch.EmptyPollDelayMS) * time.Millisecond,
		IdleExit:       time.Duration(cfg.Dispatch.IdleExitSeconds) * time.Second,
		Cooldown:       time.Duration(cfg.Mailer.CooldownSeconds) * time.Second,
		ProbeSchedule:  probeSchedule,
	})

	handlers := api.NewHandlers(supervisor, statusStore, contentLoader, api.CampaignDefaults{
		MaxRecipientsPerSend: cfg.Mailer.MaxRecipientsPerSend,
		IdleFlush:            time.Duration(cfg.Mailer.IdleFlushSeconds) * time.Second,
	})
	server := api.NewServer(cfg.Server, handlers)

	go func() {
		logger.Info("server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err.Error())
	}
	supervisor.Shutdown()
	logger.Info("shutdown complete")
}

// loadAWSConfig builds the shared AWS client config. Static keys win over a
// named profile; with neither set, the default credential chain applies
// (instance role in deployment).
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	switch {
	case cfg.AWS.AccessKey != "" && cfg.AWS.SecretKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKey, cfg.AWS.SecretKey, ""),
		))
	case cfg.AWS.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
