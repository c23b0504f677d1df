package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/internal/gridserver"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configFilePath = flag.String("config", "", "Path of the YAML server configuration; defaults are used when empty")
	nodeID         = flag.String("node_id", "", "Overrides node_id of the configuration")
	grpcAddr       = flag.String("grpc_addr", "", "Overrides address of the configuration")
	genCerts       = flag.String("gen_certs", "", "Write a CA, server and client certificates into this directory and exit")
	certHosts      = flag.String("cert_hosts", "localhost,127.0.0.1", "Comma separated SANs of the generated server certificate")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.Generate(*genCerts, strings.Split(*certHosts, ",")); err != nil {
			log.Fatalf("Failed to generate certificates: %v", err)
		}
		fmt.Printf("Certificates written to %s\n", *genCerts)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}

	zlogger.Info("Starting gojogrid server",
		zap.String("nodeID", cfg.NodeID),
		zap.String("grpcAddr", cfg.Address),
		zap.Strings("caches", cfg.Caches),
		zap.Bool("clustered", cfg.Raft != nil),
		zap.Bool("tls", cfg.TLS.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := gridserver.New(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to build grid server", zap.Error(err))
	}
	if err := node.Start(ctx); err != nil {
		node.Stop(context.Background())
		zlogger.Fatal("CRITICAL: Failed to start grid server", zap.Error(err))
	}

	<-ctx.Done()
	zlogger.Info("Shutdown signal received")
	node.Stop(context.Background())
	if err := shutdownTelemetry(context.Background()); err != nil {
		zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("gojogrid server shut down gracefully")
}

func loadConfig() (*config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if *configFilePath != "" {
		var err error
		if cfg, err = config.LoadServerConfig(*configFilePath); err != nil {
			return nil, err
		}
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *grpcAddr != "" {
		cfg.Address = *grpcAddr
	}
	return cfg, cfg.Validate()
}
