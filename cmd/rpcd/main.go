package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rexliu/rpcc/pkg/config"
	"github.com/rexliu/rpcc/pkg/ipc"
	"github.com/rexliu/rpcc/pkg/logging"
)

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	flag.Parse()

	logger := logging.New("rpcd")
	logger.Info().Str("profile", *profile).Msg("starting daemon")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, logger); err != nil {
		logger.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

type daemon struct {
	chainID uint64
	chain   *chain
	events  *eventHub
	logger  *logging.Logger
}

func loadConfig(profileDir string) (*config.ProfileConfig, error) {
	cfg, err := config.LoadProfile(profileDir)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultProfile("rpcd"), nil
	}
	return cfg, err
}

func run(ctx context.Context, profileDir, socketOverride string, logger *logging.Logger) error {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return err
	}
	cfg, err := loadConfig(profileDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Configure(cfg.Logging); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Close()

	d := &daemon{
		chainID: cfg.Daemon.ChainID,
		events:  newEventHub(logger.Logger),
		logger:  logger,
	}
	tip, ok, err := readSnapshot(profileDir)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("ignoring unreadable chain snapshot")
		d.chain = newChain(time.Now())
	case ok:
		d.chain = restoreChain(tip)
		logger.Info().Str("tip", describe(tip)).Msg("restored chain")
	default:
		d.chain = newChain(time.Now())
	}

	socketPath := socketOverride
	if socketPath == "" {
		socketPath = config.ResolvePath(profileDir, cfg.Daemon.SocketPath)
	}
	if err := cleanupSocket(socketPath); err != nil {
		return err
	}

	srv := ipc.NewServer(logger.With().Str("socket", filepath.Base(socketPath)).Logger())
	d.registerHandlers(srv)

	if err := srv.Start(ctx, socketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer func() {
		srv.Stop()
		cleanupSocket(socketPath)
		if err := writeSnapshot(profileDir, d.chain.latest()); err != nil {
			logger.Warn().Err(err).Msg("snapshot write failed")
		}
	}()

	logger.Info().Str("socket", socketPath).Uint64("chainId", d.chainID).Msg("daemon ready")
	d.produce(ctx, cfg.Daemon.BlockInterval.Duration)
	logger.Info().Msg("shutting down")
	return nil
}

// produce mines a header every interval and pushes it to subscribers.
func (d *daemon) produce(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			head := d.chain.mine(now)
			d.logger.Debug().Str("head", describe(head)).Msg("new head")
			d.events.broadcast(head)
		}
	}
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
