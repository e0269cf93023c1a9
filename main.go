package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lansession/config"
	"lansession/discovery"
	"lansession/network"
	"lansession/session"
	"lansession/statusapi"
	"lansession/storage"
)

var (
	logLevelFlag   string
	statusAddrFlag string
)

var rootCmd = &cobra.Command{
	Use:           "lansession",
	Short:         "Host, browse and join peer sessions on the local network",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&statusAddrFlag, "status-address", "", "Override the status API address (\"off\" disables it)")
	rootCmd.AddCommand(hostCmd, browseCmd, joinCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the process-wide components shared by every subcommand.
type app struct {
	cfg       *config.SessionConfig
	logger    *logrus.Logger
	store     *storage.Store
	transport *network.TCPTransport
	manager   *session.Manager
}

func newApp(ctx context.Context, consumer session.PayloadConsumer, mutate func(*session.ManagerOptions)) (*app, error) {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	if logLevelFlag != "" {
		level, err := logrus.ParseLevel(logLevelFlag)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		logger.SetLevel(level)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	store.SetEventRetention(cfg.EventRetention())

	logger.WithFields(logrus.Fields{
		"instance_id": cfg.InstanceID,
		"service":     cfg.ServiceName,
		"config":      cfgPath,
		"database":    dbPath,
	}).Info("lansession: starting")

	discoveryConfig := discovery.Config{
		Domain:         cfg.Domain,
		ScanInterval:   cfg.ScanInterval(),
		ScanTimeout:    cfg.ScanTimeout(),
		SelfInstanceID: cfg.InstanceID,
		Logger:         logger,
	}
	transport := network.NewTCPTransport(network.TCPOptions{Logger: logger})

	opts := session.ManagerOptions{
		Service: session.ServiceInfo{
			Name:    cfg.ServiceName,
			Type:    cfg.ServiceType,
			Version: discovery.DefaultVersion,
		},
		Transport:     transport,
		Advertiser:    discovery.NewMDNSAdvertiser(discoveryConfig),
		Browser:       discovery.NewMDNSBrowser(discoveryConfig),
		ListenAddress: cfg.ListenAddress(),
		Consumer:      consumer,
		Logger:        logger,
		Events:        store,
	}
	if mutate != nil {
		mutate(&opts)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		transport: transport,
		manager:   session.NewManager(opts),
	}
	a.serveStatus(ctx)
	return a, nil
}

func (a *app) serveStatus(ctx context.Context) {
	address := a.cfg.StatusAddress
	if statusAddrFlag != "" {
		address = statusAddrFlag
	}
	if address == "" || address == "off" {
		return
	}

	srv := statusapi.NewServer(a.manager, a.store, a.logger)
	go func() {
		if err := srv.ListenAndServe(ctx, address); err != nil {
			a.logger.WithError(err).Warn("lansession: status api stopped")
		}
	}()
}

func (a *app) close() {
	a.manager.StopRemoteSession()
	a.manager.StopHostingSession()
	a.manager.EndDiscovery()
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("lansession: database close failed")
	}
}
