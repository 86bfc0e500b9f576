package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/rpc"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen, apiListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep balances fresh in the background and expose metrics",
		Long: `Run until interrupted. Every visible asset is refreshed once per cache
lifetime, Bitcoin addresses are watched for new activity, and prometheus
metrics are served on /metrics. The JSON-RPC API listens on --api with a
websocket feed of refresh events on /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			exists, err := a.vaults.Exists()
			if err != nil {
				return err
			}
			if !exists {
				return walleterr.ErrVaultUnavailable
			}
			if listen == "" {
				listen = a.cfg.Metrics.Listen
			}
			if apiListen == "" {
				apiListen = a.cfg.API.Listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, listen, apiListen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (overrides config)")
	cmd.Flags().StringVar(&apiListen, "api", "", "JSON-RPC listen address (overrides config)")
	return cmd
}

func (a *app) serve(ctx context.Context, listen, apiListen string) error {
	api := rpc.NewServer(a.orch, a.parser())
	if err := api.Start(apiListen); err != nil {
		return err
	}
	defer func() {
		if err := api.Stop(); err != nil {
			a.log.Error("Error stopping RPC server", "error", err)
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("Metrics listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.refreshLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return a.watchBitcoin(gctx)
	})

	err := g.Wait()
	a.log.Info("Goodbye!")
	return err
}

// refreshLoop refreshes every visible asset once per cache lifetime.
func (a *app) refreshLoop(ctx context.Context) {
	refreshAll := func() {
		for _, as := range a.assets.Visible() {
			if err := a.orch.Refresh(as.Code); err != nil {
				a.log.Warn("Refresh failed", "asset", as.Code, "error", err)
			}
		}
	}
	refreshAll()

	ticker := time.NewTicker(a.cache.Lifetime())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshAll()
		}
	}
}

// watchBitcoin refreshes bitcoin assets as soon as the indexer reports
// activity on a wallet address. Only mempool-flavoured indexers push events.
func (a *app) watchBitcoin(ctx context.Context) error {
	cfg := a.cfg.Backend(chain.Bitcoin)
	if cfg == nil || cfg.Type != backend.TypeMempool {
		return nil
	}
	wsURL, err := backend.WebsocketURL(cfg.URL(a.cfg.Network))
	if err != nil {
		a.log.Warn("Address watcher disabled", "error", err)
		return nil
	}

	btc := a.assets.OnChain(chain.Bitcoin)
	if len(btc) == 0 {
		return nil
	}
	addrs, err := a.orch.WatchAddresses(btc[0].Code)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return nil
	}

	return backend.NewAddressWatcher(wsURL).Watch(ctx, addrs, func(ev backend.AddressEvent) {
		a.log.Info("Address activity", "address", ev.Address, "txids", ev.TxIDs)
		for _, as := range btc {
			if err := a.orch.Refresh(as.Code); err != nil {
				a.log.Warn("Refresh failed", "asset", as.Code, "error", err)
			}
		}
	})
}
