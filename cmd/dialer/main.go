// Command dialer runs the outbound campaign worker loop: dequeueing
// DialerJobs, enforcing calling-rules scheduling, and placing calls over
// the configured SIP trunk. It exits 0 on a clean shutdown signal, 1 on a
// configuration error, and 2 if the queue or database cannot be reached
// after a bounded number of startup retries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/redis/go-redis/v9"

	"github.com/voxrun/voice-runtime/internal/config"
	"github.com/voxrun/voice-runtime/internal/dialer"
	"github.com/voxrun/voice-runtime/internal/observability"
	"github.com/voxrun/voice-runtime/internal/persistence"
	"github.com/voxrun/voice-runtime/internal/resilience"
	"github.com/voxrun/voice-runtime/internal/telephony"
)

const (
	exitOK             = 0
	exitConfigError    = 1
	exitConnectFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if cfg.SIPTrunkHost == "" {
		fmt.Fprintln(os.Stderr, "SIP_TRUNK_HOST is required to place outbound calls")
		return exitConfigError
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	logger.Info().Msg("dialer worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectRetry := &resilience.RetryConfig{
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		InitialBackoff:    time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	var store *persistence.Store
	connectErr := resilience.Retry(func() error {
		var err error
		store, err = persistence.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, cfg.DatabaseMinConns, logger)
		return err
	}, connectRetry, nil)
	if connectErr != nil {
		logger.Error().Err(connectErr).Msg("could not connect to persistence store after retries")
		return exitConnectFailure
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing REDIS_URL: %v\n", err)
		return exitConfigError
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingErr := resilience.Retry(func() error {
		return redisClient.Ping(ctx).Err()
	}, connectRetry, nil)
	if pingErr != nil {
		logger.Error().Err(pingErr).Msg("could not reach redis after retries")
		return exitConnectFailure
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.SIPTrunkSource))
	if err != nil {
		logger.Error().Err(err).Msg("creating outbound sip user agent")
		return exitConnectFailure
	}
	defer ua.Close()
	sipClient, err := sipgo.NewClient(ua)
	if err != nil {
		logger.Error().Err(err).Msg("creating outbound sip client")
		return exitConnectFailure
	}
	defer sipClient.Close()

	queue := dialer.NewQueue(redisClient)
	tracker := dialer.NewActiveCallTracker(redisClient)
	placer := telephony.NewSIPDialer(sipClient, cfg.SIPTrunkHost, cfg.SIPTrunkPort, cfg.SIPTrunkSource, logger)

	worker := dialer.NewWorker(dialer.Config{
		PollInterval:          time.Duration(cfg.DialerPollIntervalSeconds) * time.Second,
		SweepInterval:         time.Duration(cfg.DialerSweepIntervalSeconds) * time.Second,
		ConcurrencyRetryDelay: time.Duration(cfg.ConcurrencyRetryDelaySeconds) * time.Second,
		MaxConsecutiveErrors:  cfg.MaxConsecutiveErrors,
	}, queue, tracker, store, placer, logger)

	if err := worker.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("dialer worker stopped with error")
		return exitConnectFailure
	}

	logger.Info().Msg("dialer worker exited cleanly")
	return exitOK
}
