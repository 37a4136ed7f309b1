package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	"meshlink/internal/core/services"
	"meshlink/internal/infrastructure/capture"
	"meshlink/internal/infrastructure/monitoring"
	"meshlink/internal/infrastructure/repositories"
	signalclient "meshlink/internal/infrastructure/signal"
	"meshlink/internal/infrastructure/turn"
	webrtcinfra "meshlink/internal/infrastructure/webrtc"
	"meshlink/pkg/config"
	"meshlink/pkg/logger"
	"meshlink/pkg/tracing"
	"meshlink/pkg/utils"
	"meshlink/pkg/validation"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	peerID := flag.String("peer", "", "local peer identifier (random when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	localPeer := domain.PeerID(*peerID)
	if localPeer == "" {
		localPeer = domain.PeerID(utils.GeneratePeerID())
	} else if err := validation.ValidatePeerID(string(localPeer)); err != nil {
		log.Fatalw("invalid peer id", "peer_id", localPeer, "error", err)
	}

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	storeFactory, err := repositories.NewStoreFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create store factory", "error", err)
	}
	defer storeFactory.Close()

	channel := signalclient.NewClient(signalclient.Config{
		URL:           cfg.Signaling.URL,
		PeerID:        string(localPeer),
		AuthSecret:    cfg.Signaling.AuthSecret,
		TokenTTL:      cfg.Signaling.TokenTTL,
		PingInterval:  cfg.Signaling.PingInterval,
		PongTimeout:   cfg.Signaling.PongTimeout,
		DialTimeout:   cfg.Signaling.DialTimeout,
		SendPerSecond: cfg.Signaling.SendPerSecond,
		SendBurst:     cfg.Signaling.SendBurst,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		// The credential manager polls the channel and falls back to
		// STUN-only, so a dead signaling endpoint degrades rather than
		// aborts the client.
		log.Warnw("signaling connect failed, continuing degraded", "error", err)
	}

	credManager := turn.NewCredentialManager(channel, storeFactory.CreateCredentialStore(), turn.Config{
		ChannelWaitTimeout: cfg.Credentials.ChannelWaitTimeout,
		ChannelPollEvery:   cfg.Credentials.ChannelPollEvery,
		RequestTimeout:     cfg.Credentials.RequestTimeout,
		MaxRetries:         cfg.Credentials.MaxRetries,
		MaxBackoff:         cfg.Credentials.MaxBackoff,
	}, log)

	selector := capture.NewStrategySelector(capture.SelectorConfig{
		Capture: domain.CaptureConfig{
			FrameRate:    cfg.Capture.FrameRate,
			AudioBitrate: cfg.Capture.AudioBitrate,
			VideoBitrate: cfg.Capture.VideoBitrate,
			Timeslice:    cfg.Capture.Timeslice,
		},
		Platform: cfg.Capture.Platform,
	}, log)

	recoveryEngine := services.NewRecoveryEngine(services.RecoveryConfig{
		MaxAttempts:     cfg.Recovery.MaxAttempts,
		MaxPeerAttempts: cfg.Recovery.MaxPeerAttempts,
		RetryBaseDelay:  cfg.Recovery.RetryBaseDelay,
	}, log)

	var collector ports.MetricsRecorder
	if cfg.Monitoring.Enabled {
		collector = monitoring.NewPrometheusCollector()
	}

	session := services.NewMediaSession(
		services.SessionConfig{
			PeerID: localPeer,
			Capture: domain.CaptureConfig{
				FrameRate:    cfg.Capture.FrameRate,
				AudioBitrate: cfg.Capture.AudioBitrate,
				VideoBitrate: cfg.Capture.VideoBitrate,
				Timeslice:    cfg.Capture.Timeslice,
			},
		},
		channel,
		func(events ports.LinkEvents) ports.LinkManager {
			linkCfg := webrtcinfra.Config{}
			linkCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
			linkCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
			return webrtcinfra.NewLinkManager(linkCfg, events, log)
		},
		selector,
		credManager,
		recoveryEngine,
		collector,
		log,
	)

	if err := session.Start(ctx); err != nil {
		log.Fatalw("failed to start media session", "error", err)
	}

	var diagServer *monitoring.Server
	if cfg.Monitoring.Enabled {
		checker := monitoring.NewHealthChecker()
		checker.AddSignalingCheck(channel, 2*time.Second)
		checker.AddCredentialStoreCheck(storeFactory.CreateCredentialStore(), 2*time.Second)
		if client := storeFactory.RedisClient(); client != nil {
			checker.AddRedisCheck(client, 2*time.Second)
		}

		diagServer = monitoring.NewServer(monitoring.ServerConfig{
			Address:    cfg.Monitoring.Address,
			AuthSecret: cfg.Signaling.AuthSecret,
			Debug:      cfg.Logging.Level == "debug",
		}, checker, func() interface{} {
			return session.Stats()
		}, log)
		diagServer.Start()
	}

	log.Infow("meshlink client running", "peer_id", localPeer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infow("received shutdown signal", "signal", sig)

	session.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if diagServer != nil {
		if err := diagServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("diagnostics server shutdown failed", "error", err)
		}
	}
	if err := channel.Close(); err != nil {
		log.Errorw("signaling close failed", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("tracer shutdown failed", "error", err)
	}

	log.Info("meshlink client stopped")
}
