package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/broker"
	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/redelivery"
)

// The redelivery/replay pool bounds, not pre-dialed sockets: the pool
// dials lazily, so these never starve MAX_CONN on an idle broker.
const (
	replayPoolSize     = 25
	redeliveryPoolSize = 100
)

func daemonCmd() *cobra.Command {
	var (
		host           string
		port           int
		maxConn        int
		userName       string
		passwd         string
		timeout        int
		ackDBFile      string
		sendDBFile     string
		resendInterval int
		configReuse    int
		logLevel       string
		logFormat      string
		adminAddr      string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the quasar broker daemon",
		Long:  "Run the broker, the send/ack journal workers and the redelivery worker in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			switch configReuse {
			case 1:
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			case 0:
				cfg = config.DefaultConfig()
				cfg.Host = host
				cfg.Port = port
				cfg.MaxConn = maxConn
				cfg.UserName = userName
				cfg.Passwd = passwd
				cfg.Timeout = timeout
				cfg.AckDBFile = ackDBFile
				cfg.SendDBFile = sendDBFile
				cfg.ResendInterval = resendInterval
			default:
				return fmt.Errorf("config-reuse must be 0 (write new) or 1 (read existing)")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Daemon.LogFormat = logFormat
			}
			if cmd.Flags().Changed("admin-addr") {
				cfg.Daemon.AdminAddr = adminAddr
			}
			config.LoadFromEnv(cfg)

			if err := cfg.Validate(); err != nil {
				return err
			}
			if configReuse == 0 {
				if err := config.SaveToFile(cfg, configFile); err != nil {
					return err
				}
			}

			return runDaemon(cfg)
		},
	}

	defaults := config.DefaultConfig()
	cmd.Flags().StringVar(&host, "host", defaults.Host, "Listen address; must be a local address")
	cmd.Flags().IntVar(&port, "port", defaults.Port, "Listen port")
	cmd.Flags().IntVar(&maxConn, "max-conn", defaults.MaxConn, "Maximum concurrent client connections")
	cmd.Flags().StringVar(&userName, "user-name", defaults.UserName, "Shared credential user name (min 5 chars)")
	cmd.Flags().StringVar(&passwd, "passwd", defaults.Passwd, "Shared credential password (min 5 chars)")
	cmd.Flags().IntVar(&timeout, "timeout", defaults.Timeout, "Idle poll cycle in seconds")
	cmd.Flags().StringVar(&ackDBFile, "ack-process-db-file", defaults.AckDBFile, "Ack journal database file")
	cmd.Flags().StringVar(&sendDBFile, "completely-persistent-process-db-file", defaults.SendDBFile, "Send journal database file")
	cmd.Flags().IntVar(&resendInterval, "resend-interval", defaults.ResendInterval, "Seconds before an unacked delivery is re-injected")
	cmd.Flags().IntVar(&configReuse, "config-reuse", 0, "0 writes a new config file from flags, 1 reads the existing one")
	cmd.Flags().StringVar(&logLevel, "log-level", defaults.Daemon.LogLevel, "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", defaults.Daemon.LogFormat, "Log format (text, json)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", defaults.Daemon.AdminAddr, "Admin /metrics listener address; empty disables")

	return cmd
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	metrics.Init(cfg.Daemon.Namespace)

	sendStore, err := journal.OpenSendStore(cfg.SendDBFile)
	if err != nil {
		return err
	}
	ackStore, err := journal.OpenAckStore(cfg.AckDBFile)
	if err != nil {
		_ = sendStore.Close()
		return err
	}

	sendWorker := journal.NewSendWorker(sendStore)
	ackWorker := journal.NewAckWorker(ackStore)

	b := broker.New(broker.Options{
		UserName: cfg.UserName,
		Passwd:   cfg.Passwd,
		MaxConn:  cfg.MaxConn,
		SendLog:  sendWorker,
		AckLog:   ackWorker,
	})
	if err := b.Listen(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))); err != nil {
		_ = sendStore.Close()
		_ = ackStore.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(b.Serve)

	var adminSrv *http.Server
	if cfg.Daemon.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		adminSrv = &http.Server{Addr: cfg.Daemon.AdminAddr, Handler: mux}
		g.Go(func() error {
			logging.Op().Info("admin listener up", "addr", cfg.Daemon.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	// Journals are replayed into the broker over ordinary client
	// connections before the workers start consuming live events.
	replayAddr := dialAddr(cfg)
	replayPool := client.NewPool(replayAddr, cfg.UserName, cfg.Passwd, replayPoolSize)
	if err := sendWorker.Replay(replayPool); err != nil {
		shutdownEarly(b, sendStore, ackStore, replayPool, adminSrv)
		return err
	}
	if err := ackWorker.Replay(replayPool); err != nil {
		shutdownEarly(b, sendStore, ackStore, replayPool, adminSrv)
		return err
	}
	replayPool.Close()

	sendWorker.Start()
	ackWorker.Start()

	resendInterval := time.Duration(cfg.ResendInterval) * time.Second
	redeliverPool := client.NewPool(replayAddr, cfg.UserName, cfg.Passwd, redeliveryPoolSize)
	redeliverer := redelivery.New(ackStore, redeliverPool, resendInterval)
	redeliverer.Start()

	logging.Op().Info("quasar up",
		"addr", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		"max_conn", cfg.MaxConn, "resend_interval", resendInterval.String())

	<-gctx.Done()

	// Shutdown order: stop accepting, drain handlers, stop the
	// redelivery sweeps, flush the journal workers, close the
	// databases last.
	logging.Op().Info("shutting down")
	b.Stop()
	redeliverer.Stop()
	redeliverPool.Close()
	sendWorker.Stop()
	ackWorker.Stop()
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = adminSrv.Shutdown(shutdownCtx)
		cancel()
	}
	_ = sendStore.Close()
	_ = ackStore.Close()

	return g.Wait()
}

// dialAddr is where the sidecar workers reach the broker: the wildcard
// listen addresses are not dialable, so they map to loopback.
func dialAddr(cfg *config.Config) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func shutdownEarly(b *broker.Broker, sendStore, ackStore *journal.Store, pool *client.Pool, adminSrv *http.Server) {
	b.Stop()
	pool.Close()
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	_ = sendStore.Close()
	_ = ackStore.Close()
}
