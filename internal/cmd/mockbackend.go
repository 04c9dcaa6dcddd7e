package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/askrelay/internal/logging"
	"github.com/amurg-ai/askrelay/internal/mockbackend"
)

func newMockBackendCmd() *cobra.Command {
	var (
		addr      string
		delay     time.Duration
		apiKey    string
		strictIDs bool
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve a fake generation backend for local development",
		Long: "mock-backend answers POST /generate by echoing the prompt with a per-session turn count.\n" +
			"Point generation.url at http://<addr>/generate.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logLevel, "text")
			b := mockbackend.New(mockbackend.Options{
				Delay:          delay,
				RequireAPIKey:  apiKey,
				FailUnknownIDs: strictIDs,
			}, logger)

			srv := &http.Server{
				Addr:              addr,
				Handler:           b.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("mock backend listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.Flags().DurationVar(&delay, "delay", 0, "artificial latency per answer")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this bearer token")
	cmd.Flags().BoolVar(&strictIDs, "strict-session-ids", false, "reject session ids this backend did not issue")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
