package main

import (
	"context"
	stdErrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/notify"
)

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newListenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen [channel...]",
		Short: "Log every notification received until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			w, err := a.open(ctx)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{w.Config.Bus.Channel}
			}
			g, gctx := errgroup.WithContext(ctx)
			for _, ch := range args {
				ch := ch
				g.Go(func() error {
					return w.Listener.Listen(gctx, ch, notify.LogHandler(w.Log))
				})
			}
			return g.Wait()
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	var channel, kind, resource string
	cmd := &cobra.Command{
		Use:   "publish <message>",
		Short: "Publish a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if channel == "" {
				channel = w.Config.Bus.Channel
			}
			n := notify.Notification{Message: args[0], Kind: kind, ResourceID: resource}
			if err := w.Publisher.Publish(cmd.Context(), channel, n); err != nil {
				return err
			}
			a.print(map[string]any{"channel": channel, "published": true})
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel (default bus.channel)")
	cmd.Flags().StringVar(&kind, "kind", "", "Notification kind")
	cmd.Flags().StringVar(&resource, "resource", "", "Resource id")
	return cmd
}

func newServeMetricsCmd(a *app) *cobra.Command {
	var addr string
	var listen bool
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics over HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			w, err := a.open(ctx)
			if err != nil {
				return err
			}

			reg := metrics.NewRegistry()
			metrics.Register(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				w.Log.Info("serving metrics", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			if listen {
				g.Go(func() error {
					return w.Listener.Listen(gctx, w.Config.Bus.Channel, notify.LogHandler(w.Log))
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":2112", "Listen address")
	cmd.Flags().BoolVar(&listen, "listen", true, "Also listen to the notification channel")
	return cmd
}
