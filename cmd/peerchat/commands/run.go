package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/peerchat"
	"github.com/opd-ai/peerchat/metrics"
)

func runCmd(e *env) *cobra.Command {
	var (
		listen      string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node with an interactive prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			opts, err := e.loadOptions()
			if err != nil {
				return err
			}
			if listen != "" {
				opts.ListenAddress = listen
			}

			st, err := e.openStore(ctx, opts)
			if err != nil {
				return err
			}
			tr, err := peerchat.ListenUDP(opts)
			if err != nil {
				st.Close()
				return err
			}

			registry := prometheus.NewRegistry()
			node, err := peerchat.New(ctx, opts, peerchat.Config{
				Transport: tr,
				Store:     st,
				Metrics:   metrics.NewMetricsWithRegisterer(opts.MetricsNamespace, registry),
			})
			if err != nil {
				tr.Close()
				st.Close()
				return err
			}
			defer node.Close()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, registry)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			sh := newShell(node, tr, cmd.OutOrStdout())
			fmt.Fprintf(sh.out, "Listening on %s as %s. Type /help for commands.\n", tr.LocalAddr(), node.Address())

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- node.Run(runCtx) }()

			if err := sh.run(runCtx, cmd.InOrStdin()); err != nil {
				return err
			}
			cancel()
			return <-done
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the UDP listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server stopped")
		}
	}()
	return srv
}
