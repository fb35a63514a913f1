package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"nodebus/internal/busapi"
	"nodebus/internal/config"
	"nodebus/internal/core/network"
	"nodebus/internal/federation"
	"nodebus/internal/hub"
	"nodebus/internal/logging"
	"nodebus/internal/metrics"
	"nodebus/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config (optional)")
	addr := flag.String("addr", "", "http listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.HTTP.ListenAddr = *addr
	}
	logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.L()
	opts := []hub.Option{hub.WithObserver(logging.Observer(logger.WithField("component", "hub")))}

	var prom *metrics.Prom
	if cfg.Metrics.Enabled {
		prom = metrics.NewProm()
		opts = append(opts, hub.WithObserver(prom.Observer()))
	}
	h := hub.New(opts...)

	wsOpts := ws.Options{
		SendQueue:       cfg.Websocket.SendQueue,
		WriteWait:       cfg.Websocket.WriteWait,
		PongWait:        cfg.Websocket.PongWait,
		MaxMessageBytes: cfg.Websocket.MaxMessageBytes,
	}
	if cfg.Websocket.AllowAnyOrigin {
		wsOpts.CheckOrigin = func(*http.Request) bool { return true }
	}
	endpoint := ws.NewServer(wsOpts, logger.WithField("component", "ws"))
	defer endpoint.Close()
	h.Serve(endpoint)

	if cfg.Cluster.Enabled {
		gossip, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     cfg.Cluster.ListenAddrs,
			Bootstrap:       cfg.Cluster.Bootstrap,
			Rendezvous:      cfg.Cluster.Rendezvous,
			EnableMDNS:      cfg.Cluster.MDNS,
			IdentityKeyFile: cfg.Cluster.IdentityKeyFile,
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		relay, err := federation.New(h, gossip, federation.Options{Topic: cfg.Cluster.Topic, DedupeSize: cfg.Cluster.DedupeSize})
		if err != nil {
			return err
		}
		if err := relay.Start(); err != nil {
			return err
		}
		defer relay.Stop()
		for _, a := range gossip.ListenAddrs() {
			logger.WithField("addr", a).Info("cluster listening")
		}
	}

	r := mux.NewRouter()
	r.Handle(cfg.HTTP.BusPath, endpoint)
	busapi.NewServer(h).Register(r)
	if prom != nil {
		r.Handle(cfg.Metrics.Path, prom.Handler()).Methods(http.MethodGet)
	}
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.HTTP.StaticDir))).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.HTTP.ListenAddr, "bus_path": cfg.HTTP.BusPath}).Info("nodebus listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
