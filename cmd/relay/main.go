// Command relay runs the authoritative UDP game relay: the network loop,
// its Prometheus metrics, and its HTTP probe/metrics surface. Grounded on
// Ancillary-AGI-foundry's networking/server/server.go main() (GOMAXPROCS,
// start, wait for shutdown signal, stop), generalized to automaxprocs and
// zerolog per the ambient stack this relay carries.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"relay/internal/config"
	"relay/internal/httpapi"
	"relay/internal/metrics"
	"relay/network"
	"relay/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("load config")
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	m := metrics.New()

	superMemberKey, err := decodeSuperMemberKey(cfg.SuperMemberKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("decode SUPER_MEMBER_KEY")
	}

	loop, err := network.NewLoop(network.Config{
		ListenAddr:        cfg.ListenAddr,
		AckTimeout:        cfg.AckTimeout,
		RetransmitLimit:   cfg.RetransmitLimit,
		MaxFrameInterval:  cfg.MaxFrameInterval,
		MaxRooms:          cfg.MaxRooms,
		MaxMembersPerRoom: cfg.MaxMembersPerRoom,
		SuperMemberKey:    superMemberKey,
	}, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build network loop")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(ctx)
	}()

	probeServer := &http.Server{Addr: cfg.ProbeAddr, Handler: httpapi.NewProbeRouter(logger, loop)}
	go func() {
		logger.Info().Str("addr", cfg.ProbeAddr).Msg("probe server listening")
		if err := probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("probe server stopped unexpectedly")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: httpapi.NewMetricsRouter(logger, m.Registry)}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("relay listening")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := probeServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("probe server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}

	if err := <-loopDone; err != nil {
		logger.Error().Err(err).Msg("network loop exited with error")
	}
}

// decodeSuperMemberKey decodes an empty string to nil (no super member
// provisioned) or a hex-encoded SUPER_MEMBER_KEY into a key every room's
// super member is created with.
func decodeSuperMemberKey(hexKey string) (*protocol.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("SUPER_MEMBER_KEY must be hex-encoded: %w", err)
	}
	if len(raw) != protocol.PrivateKeySize {
		return nil, fmt.Errorf("SUPER_MEMBER_KEY must decode to %d bytes, got %d", protocol.PrivateKeySize, len(raw))
	}
	var key protocol.PrivateKey
	copy(key[:], raw)
	return &key, nil
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "pretty" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
