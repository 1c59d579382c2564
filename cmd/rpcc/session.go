package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rexliu/rpcc/pkg/config"
	"github.com/rexliu/rpcc/pkg/logging"
	"github.com/rexliu/rpcc/pkg/pubsub"
	"github.com/rexliu/rpcc/pkg/rpcclient"
	"github.com/rexliu/rpcc/pkg/storage/sqlite"
	"github.com/rexliu/rpcc/pkg/telemetry"
	"github.com/rexliu/rpcc/pkg/transport"
)

// session bundles everything a command needs and releases it on close.
type session struct {
	cfg     *config.ProfileConfig
	logger  *logging.Logger
	client  *rpcclient.Client[transport.Transport]
	journal *sqlite.Store
	metrics *http.Server
}

func loadProfile() (*config.ProfileConfig, error) {
	cfg, err := config.LoadProfile(profileDir)
	if errors.Is(err, os.ErrNotExist) && endpointOverride != "" {
		cfg, err = config.DefaultProfile("adhoc"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if endpointOverride != "" {
		cfg.Endpoint = endpointOverride
	}
	return cfg, nil
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadProfile()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logging.New("rpcc")}
	if err := s.logger.Configure(resolveLogging(cfg.Logging)); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	if cfg.Metrics.Addr != "" {
		s.startMetrics(cfg.Metrics.Addr)
	}
	if cfg.Journal.Mode != config.JournalOff {
		store, err := sqlite.Open(config.ResolvePath(profileDir, cfg.Journal.DBPath))
		if err != nil {
			s.close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = store
		if err := store.Init(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("init journal: %w", err)
		}
	}

	t, local, err := s.dial(ctx)
	if err != nil {
		s.close()
		return nil, err
	}
	if cfg.Local != nil {
		local = *cfg.Local
	}
	s.client = rpcclient.New[transport.Transport](t, local, rpcclient.WithLogger(s.logger.Logger))
	return s, nil
}

func (s *session) dial(ctx context.Context) (transport.Transport, bool, error) {
	endpoint := config.ResolveEndpoint(profileDir, s.cfg.Endpoint)
	if s.cfg.Journal.Mode == config.JournalReplay {
		ep, err := transport.ParseEndpoint(endpoint)
		if err != nil {
			return nil, false, err
		}
		s.logger.Info().Str("journal", s.journal.Path()).Msg("replaying recorded exchanges")
		return transport.NewReplay(s.journal), ep.Local, nil
	}
	t, ep, err := transport.Dial(ctx, endpoint,
		transport.WithDialLogger(s.logger.Logger),
		transport.WithDialHTTPClient(&http.Client{Timeout: s.cfg.HTTP.Timeout.Duration}),
		transport.WithDialBridgeOptions(
			pubsub.WithChannelSize(s.cfg.Subscription.ChannelSize),
			pubsub.WithWaitForRegistration(s.cfg.Subscription.WaitForRegistration),
		),
	)
	if err != nil {
		return nil, false, err
	}
	if s.cfg.Journal.Mode == config.JournalRecord && !ep.PubSub() {
		return transport.NewRecorder(t, s.journal, s.logger.Logger), ep.Local, nil
	}
	if s.cfg.Journal.Mode == config.JournalRecord {
		s.logger.Warn().Msg("journal recording is only supported over HTTP; recording disabled")
	}
	return t, ep.Local, nil
}

func (s *session) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func (s *session) close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.metrics.Shutdown(ctx)
		cancel()
	}
	_ = s.logger.Close()
}

func resolveLogging(cfg config.LoggingConfig) config.LoggingConfig {
	if cfg.FilePath != "" && !filepath.IsAbs(cfg.FilePath) {
		cfg.FilePath = config.ResolvePath(profileDir, cfg.FilePath)
	}
	return cfg
}
