package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-vmlock/v1/metrics"
	"github.com/mirkobrombin/go-vmlock/v1/watch"
)

var serveAddr string

var watchCmd = &cobra.Command{
	Use:   "watch <machine-id>",
	Short: "Stream lock transitions for a machine",
	Long: `watch prints one JSON event per lock transition until interrupted.
Events from other processes require the Redis backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatchCmd,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve lock events over SSE and WebSocket",
	Long: `serve exposes the watch stream at /watch/sse and /watch/ws, plus
Prometheus metrics at /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := d.watch.Watch(ctx, args[0])
	if err != nil {
		return err
	}
	defer d.watch.Unwatch(context.Background(), args[0], events)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := ev.Encode()
			if err != nil {
				continue
			}
			fmt.Println(string(data))
		case <-ctx.Done():
			return nil
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	reg := metrics.NewRegistry()
	metrics.RegisterCoordinatorMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/watch/sse", watch.SSEHandler(d.watch))
	mux.Handle("/watch/ws", watch.WebSocketHandler(d.watch))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: serveAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("vmlock: serving lock events", "addr", serveAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
