package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/littleblessing/backend/internal/blessings"
	"github.com/littleblessing/backend/internal/client"
	"github.com/littleblessing/backend/internal/clientsync"
	"github.com/littleblessing/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultServerURL = "http://localhost:8080"
	displayLayout    = "2006-01-02 15:04:05"
)

func newWatchCommand() *cobra.Command {
	var (
		serverURL string
		live      bool
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the guestbook of a running server as it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := commandLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			remote, err := client.New(client.Config{BaseURL: serverURL, Logger: logger})
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), remote, live, interval, logger)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "Guestbook server base URL")
	cmd.Flags().BoolVar(&live, "live", false, "Receive pushed snapshots over the websocket channel")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval when not live (0 fetches once)")
	return cmd
}

func watch(ctx context.Context, out io.Writer, remote *client.Client, live bool, interval time.Duration, logger *zap.Logger) error {
	failures := make(chan error, 1)
	cfg := clientsync.Config{
		Fetcher:  remote,
		Interval: interval,
		Logger:   logger,
		OnChange: func(state clientsync.State) {
			printState(out, state)
			if state.Err != nil {
				select {
				case failures <- state.Err:
				default:
				}
			}
		},
	}
	if live {
		cfg.Subscriber = remote
	}
	adapter, err := clientsync.New(cfg)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Debug("watching guestbook", zap.Bool("live", adapter.Live()), zap.Duration("interval", interval))
	printState(out, adapter.State())
	if err := adapter.Mount(signalCtx); err != nil {
		return err
	}
	defer adapter.Unmount()

	if !live && interval <= 0 {
		return nil
	}
	select {
	case <-signalCtx.Done():
		return nil
	case err := <-failures:
		return err
	}
}

func printState(out io.Writer, state clientsync.State) {
	switch {
	case state.Loading:
		fmt.Fprintln(out, "loading guestbook...")
	case state.Err != nil:
		fmt.Fprintf(out, "could not load messages: %v\n", state.Err)
	case len(state.Records) == 0:
		fmt.Fprintln(out, "no messages yet")
	default:
		fmt.Fprintf(out, "%d messages\n", len(state.Records))
		for _, record := range state.Records {
			fmt.Fprintf(out, "  %s  %-14s [%s] %s: %s\n",
				record.Timestamp.Local().Format(displayLayout), record.ID, record.Tier, record.Author, record.Content)
		}
	}
}

func newPostCommand() *cobra.Command {
	var (
		serverURL string
		request   blessings.AppendRequest
	)
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Append a message to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := client.New(client.Config{BaseURL: serverURL})
			if err != nil {
				return err
			}
			if err := remote.Append(cmd.Context(), request); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "posted")
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "Guestbook server base URL")
	cmd.Flags().StringVar(&request.Author, "author", "", "Display name")
	cmd.Flags().StringVar(&request.Content, "content", "", "Message body")
	cmd.Flags().StringVar(&request.Tier, "tier", "", "Tier (bronze, silver, gold)")
	cmd.Flags().StringVar(&request.ID, "id", "", "Record id (row-file store only)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var (
		serverURL string
		id        string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a message from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := client.New(client.Config{BaseURL: serverURL})
			if err != nil {
				return err
			}
			if err := remote.Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "Guestbook server base URL")
	cmd.Flags().StringVar(&id, "id", "", "Record id")
	return cmd
}

func commandLogger() (*zap.Logger, error) {
	return logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
}
