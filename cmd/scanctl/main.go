// scanctl is the companion client for the test strip scanner backend. It
// submits photos, shows upload history, and maintains the durable offline
// queue: submissions that cannot reach the backend are saved locally and
// replayed in order once the backend reports healthy.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/che57/eli-test-scanner/internal/client"
	"github.com/che57/eli-test-scanner/internal/config"
)

var (
	baseURL   string
	queuePath string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scanctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg, err := config.LoadClientConfig(".")
	if err != nil {
		cfg = config.ClientConfig{
			BaseURL:        "http://localhost:3000",
			QueuePath:      "scanctl-queue.db",
			RequestTimeout: 15 * time.Second,
			PollInterval:   30 * time.Second,
		}
	}

	cmd := &cobra.Command{
		Use:   "scanctl",
		Short: "Test strip scanner client",
		Long: `scanctl submits test strip photos to the scanner backend and tracks upload
history. Photos that cannot reach the backend are queued locally and replayed
in order once the backend is reachable again.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&baseURL, "server", cfg.BaseURL, "Backend base URL")
	cmd.PersistentFlags().StringVar(&queuePath, "queue", cfg.QueuePath, "Path of the local offline queue database")
	cmd.AddCommand(
		newSubmitCmd(cfg),
		newHistoryCmd(cfg),
		newShowCmd(cfg),
		newQueueCmd(),
		newSyncCmd(cfg),
		newWatchCmd(cfg),
	)
	return cmd
}

func apiClient(cfg config.ClientConfig) *client.Client {
	return client.New(baseURL, cfg.RequestTimeout)
}

func newSubmitCmd(cfg config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <photo.jpg>",
		Short: "Submit a test strip photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prep, err := client.PrepareSubmission(args[0])
			if err != nil {
				return err
			}

			result, err := apiClient(cfg).Submit(ctx, prep)
			if err != nil {
				// Connectivity failures are absorbed into the queue with a
				// single reassuring message, never shown as upload errors.
				if errors.Is(err, client.ErrUnreachable) {
					queue, qerr := client.OpenQueue(queuePath)
					if qerr != nil {
						return qerr
					}
					if qerr := queue.Enqueue(prep); qerr != nil {
						return qerr
					}
					fmt.Println("Backend unreachable. Submission saved; it will be retried when the backend is available.")
					return nil
				}
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.IsDuplicate() {
					fmt.Printf("QR code duplicate: %s\n", apiErr.Message)
					return nil
				}
				return err
			}

			printUploadResult(result)
			return nil
		},
	}
}

func printUploadResult(result *client.UploadResponse) {
	switch {
	case !result.QRCodeValid:
		fmt.Println("No valid QR code detected. Try again with a clearer image.")
	case result.IsExpired:
		fmt.Printf("QR code expired (%d): %s\n", *result.ExpirationYear, *result.QRCode)
	default:
		fmt.Printf("Upload successful. Valid QR code: %s\n", *result.QRCode)
	}
	fmt.Printf("Submission ID: %s\n", result.ID)
}

func newHistoryCmd(cfg config.ClientConfig) *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past submissions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient(cfg).List(cmd.Context(), page, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No submissions.")
				return nil
			}
			for _, item := range items {
				code := "-"
				if item.QRCode != nil {
					code = *item.QRCode
				}
				expired := ""
				if item.IsExpired {
					expired = " (expired)"
				}
				fmt.Printf("%s  %-16s%s  %s\n", item.ID, code, expired, item.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 10, "Items per page")
	return cmd
}

func newShowCmd(cfg config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one submission in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := apiClient(cfg).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:         %s\n", item.ID)
			fmt.Printf("Status:     %s\n", item.Status)
			if item.QRCode != nil {
				fmt.Printf("QR code:    %s\n", *item.QRCode)
			}
			if item.ExpirationYear != nil {
				fmt.Printf("Expires:    %d (expired: %t)\n", *item.ExpirationYear, item.IsExpired)
			}
			if item.ErrorMessage != nil {
				fmt.Printf("Error:      %s\n", *item.ErrorMessage)
			}
			fmt.Printf("Created:    %s\n", item.CreatedAt)
			if item.ThumbnailURL != "" {
				fmt.Printf("Thumbnail:  %s\n", item.ThumbnailURL)
			}
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List submissions waiting for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := client.OpenQueue(queuePath)
			if err != nil {
				return err
			}
			items, err := queue.Items()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, item := range items {
				fmt.Printf("#%d  %s  queued %s\n", item.ID, item.FileName, item.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// replayQueue runs one health-gated replay pass. Replay never runs while
// connectivity is unknown or failing.
func replayQueue(ctx context.Context, api *client.Client, queue *client.Queue) error {
	if err := api.Health(ctx); err != nil {
		return fmt.Errorf("backend not healthy, leaving queue untouched: %w", err)
	}

	replayed, err := queue.ReplayAll(ctx, func(ctx context.Context, item *client.QueuedSubmission) error {
		_, submitErr := api.Submit(ctx, item)
		// An item leaves the queue only on a confirmed successful delivery.
		// A deliberate rejection (duplicate, invalid image) stops replay and
		// keeps the item; the user resolves it from the queue listing.
		var apiErr *client.APIError
		if errors.As(submitErr, &apiErr) {
			fmt.Printf("Queued item %s rejected by backend: %s\n", item.FileName, apiErr.Message)
		}
		return submitErr
	})
	if replayed > 0 {
		fmt.Printf("Replayed %d queued submission(s).\n", replayed)
	}
	return err
}

func newSyncCmd(cfg config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the offline queue once, if the backend is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := client.OpenQueue(queuePath)
			if err != nil {
				return err
			}
			return replayQueue(cmd.Context(), apiClient(cfg), queue)
		},
	}
}

func newWatchCmd(cfg config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll backend health and replay the queue whenever it recovers",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := client.OpenQueue(queuePath)
			if err != nil {
				return err
			}
			api := apiClient(cfg)

			poller := client.NewPoller(api, cfg.PollInterval, func(ctx context.Context) {
				if err := replayQueue(ctx, api, queue); err != nil {
					fmt.Printf("replay stopped: %v\n", err)
				}
			})
			fmt.Printf("Watching %s every %s. Ctrl-C to stop.\n", baseURL, cfg.PollInterval)
			poller.Run(cmd.Context())
			return nil
		},
	}
}
