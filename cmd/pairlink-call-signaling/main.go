package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pairlink/call-signaling/internal/auth"
	"github.com/pairlink/call-signaling/internal/call"
	"github.com/pairlink/call-signaling/internal/config"
	"github.com/pairlink/call-signaling/internal/httpserver"
	"github.com/pairlink/call-signaling/internal/metrics"
	"github.com/pairlink/call-signaling/internal/relay"
	"github.com/pairlink/call-signaling/internal/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("mode", cfg.Mode).
		Str("auth_mode", string(cfg.AuthMode)).
		Dur("ring_timeout", cfg.RingTimeout).
		Dur("handshake_timeout", cfg.HandshakeTimeout).
		Dur("terminal_grace_period", cfg.TerminalGracePeriod).
		Msg("starting pairlink-call-signaling")

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure auth")
		os.Exit(2)
	}

	m := metrics.New()
	tracker := call.NewTracker(cfg.TerminalGracePeriod, m)

	// The relay stays free of call semantics; the tracker passively observes
	// routed envelopes so a dropped transport can be translated into
	// peer-transport-lost errors for the surviving side.
	var rly *relay.Relay
	rly = relay.New(logger, m,
		relay.WithObserver(tracker.Observe),
		relay.WithPeerLostHook(func(endpoint string) {
			for _, loss := range tracker.PeerLost(endpoint) {
				_ = rly.Route(signaling.NewError(
					loss.Lost, loss.Survivor, loss.SessionID,
					signaling.ErrorPeerTransportLost, "peer transport lost"))
			}
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go tracker.Run(ctx, cfg.EvictInterval)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to listen")
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, m, rly, verifier)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		rly.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	rly.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}
