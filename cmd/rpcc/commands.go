package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rexliu/rpcc/pkg/config"
	"github.com/rexliu/rpcc/pkg/pubsub"
	"github.com/rexliu/rpcc/pkg/rpcclient"
	"github.com/rexliu/rpcc/pkg/storage/sqlite"
	"github.com/rexliu/rpcc/pkg/transport"
)

var (
	initName      string
	initForce     bool
	callRaw       bool
	subMethod     string
	subCount      int
	journalMethod string
	journalLimit  int
	journalAge    time.Duration
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a local profile (writes config.toml)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(profileDir, 0o700); err != nil {
			return err
		}
		configPath := filepath.Join(profileDir, config.FileName)
		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
		}
		cfg := config.DefaultProfile(initName)
		if endpointOverride != "" {
			cfg.Endpoint = endpointOverride
		}
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized profile %s at %s\n", cfg.ProfileName, profileDir)
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Send a single request and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			var result json.RawMessage
			if err := s.client.Request(ctx, args[0], params, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result, callRaw)
		})
	},
}

type batchItem struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

var batchCmd = &cobra.Command{
	Use:   "batch <file|->",
	Short: "Send a JSON array of {method, params} as one batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := readBatch(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			batch := s.client.NewBatch()
			waiters := make([]*rpcclient.Waiter, 0, len(items))
			for _, item := range items {
				var params any
				if len(item.Params) > 0 {
					params = item.Params
				}
				waiters = append(waiters, batch.AddCall(item.Method, params))
			}
			if err := batch.Send(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for i, w := range waiters {
				var result json.RawMessage
				if err := w.Await(ctx, &result); err != nil {
					failed++
					fmt.Fprintf(out, "%s\t%s\terror: %v\n", w.ID(), items[i].Method, err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", w.ID(), items[i].Method, result)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d entries failed", failed, len(waiters))
			}
			return nil
		})
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <kind> [params-json...]",
	Short: "Open a subscription and print items as they arrive",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := make([]any, 0, len(args))
		params = append(params, args[0])
		for _, raw := range args[1:] {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("invalid params JSON %q", raw)
			}
			params = append(params, json.RawMessage(raw))
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return withSession(ctx, func(ctx context.Context, s *session) error {
			raw, err := s.client.Subscribe(ctx, subMethod, params)
			if err != nil {
				return err
			}
			defer func() {
				unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := s.client.Unsubscribe(unsubCtx, raw.ID()); err != nil {
					s.logger.Debug().Err(err).Msg("unsubscribe failed")
				}
			}()
			subID := raw.ID()
			s.logger.Info().Str("subscription", subID.Hex()).Int("channelSize", s.client.ChannelSize()).Msg("subscribed")

			out := cmd.OutOrStdout()
			seen := 0
			err = pubsub.Typed[json.RawMessage](raw).RecvAll(ctx, func(item json.RawMessage) error {
				fmt.Fprintln(out, string(item))
				seen++
				if subCount > 0 && seen >= subCount {
					return errDone
				}
				return nil
			}, func(err error) {
				s.logger.Warn().Err(err).Msg("subscription items skipped")
			})
			if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	},
}

var errDone = errors.New("done")

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect recorded exchanges",
}

var journalListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recorded exchanges, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd.Context(), func(ctx context.Context, store *sqlite.Store) error {
			entries, err := store.List(ctx, sqlite.ListOptions{Method: journalMethod, Limit: journalLimit})
			if err != nil {
				return err
			}
			for _, ex := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", ex.ID, ex.RecordedAt.Format(time.RFC3339), ex.Method, ex.Params)
			}
			return nil
		})
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete exchanges older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd.Context(), func(ctx context.Context, store *sqlite.Store) error {
			n, err := store.Prune(ctx, time.Now().Add(-journalAge))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d exchanges\n", n)
			return nil
		})
	},
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Print profile configuration and endpoint details",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadProfile()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		endpoint := config.ResolveEndpoint(profileDir, cfg.Endpoint)
		fmt.Fprintf(out, "Config: %s\n", filepath.Join(profileDir, config.FileName))
		fmt.Fprintf(out, "Endpoint: %s\n", endpoint)
		if ep, err := transport.ParseEndpoint(endpoint); err != nil {
			fmt.Fprintf(out, "Endpoint error: %v\n", err)
		} else {
			local := ep.Local
			if cfg.Local != nil {
				local = *cfg.Local
			}
			fmt.Fprintf(out, "Transport: %s (pubsub=%t, local=%t)\n", ep.Kind, ep.PubSub(), local)
		}
		fmt.Fprintf(out, "Channel Size: %d\n", cfg.Subscription.ChannelSize)
		fmt.Fprintf(out, "Journal: %s (%s)\n", cfg.Journal.Mode, config.ResolvePath(profileDir, cfg.Journal.DBPath))
		if cfg.Logging.FilePath != "" {
			fmt.Fprintf(out, "Log File: %s\n", config.ResolvePath(profileDir, cfg.Logging.FilePath))
		}
		if cfg.Metrics.Addr != "" {
			fmt.Fprintf(out, "Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "dev", "Profile name")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config if present")
	callCmd.Flags().BoolVar(&callRaw, "raw", false, "Print the result without indentation")
	subscribeCmd.Flags().StringVar(&subMethod, "method", "eth_subscribe", "Subscribe method")
	subscribeCmd.Flags().IntVar(&subCount, "count", 0, "Stop after this many items (0 = until interrupted)")
	journalListCmd.Flags().StringVar(&journalMethod, "method", "", "Only show this method")
	journalListCmd.Flags().IntVar(&journalLimit, "limit", 50, "Maximum entries")
	journalPruneCmd.Flags().DurationVar(&journalAge, "older-than", 7*24*time.Hour, "Age threshold")
	journalCmd.AddCommand(journalListCmd, journalPruneCmd)
}

func withSession(ctx context.Context, fn func(context.Context, *session) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func withJournal(ctx context.Context, fn func(context.Context, *sqlite.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadProfile()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(config.ResolvePath(profileDir, cfg.Journal.DBPath))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, store)
}

func parseParams(args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	if !json.Valid([]byte(args[0])) {
		return nil, fmt.Errorf("invalid params JSON %q", args[0])
	}
	return json.RawMessage(args[0]), nil
}

func readBatch(stdin io.Reader, source string) ([]batchItem, error) {
	var data []byte
	var err error
	if source == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, err
	}
	var items []batchItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode batch file: %w", err)
	}
	for i, item := range items {
		if item.Method == "" {
			return nil, fmt.Errorf("entry %d: method required", i)
		}
	}
	return items, nil
}

func printJSON(w io.Writer, raw json.RawMessage, compact bool) error {
	if compact {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
