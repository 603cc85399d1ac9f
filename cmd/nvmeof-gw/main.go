// Command nvmeof-gw runs the gateway daemon: it loads configuration,
// starts the state map, connects to the local target engine, performs
// startup reconciliation, and serves the admin gRPC API until signaled to
// stop. The command wiring and graceful-shutdown ordering are grounded on
// the teacher's cmd/warren/main.go workerStartCmd/managerStartCmd RunE
// bodies.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/nvmeof-gw/api/gatewaypb"
	"github.com/cuemby/nvmeof-gw/internal/config"
	credmgr "github.com/cuemby/nvmeof-gw/internal/credentials"
	"github.com/cuemby/nvmeof-gw/internal/discovery"
	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/enginelock"
	"github.com/cuemby/nvmeof-gw/internal/gwcontext"
	"github.com/cuemby/nvmeof-gw/internal/gwservice"
	"github.com/cuemby/nvmeof-gw/internal/ha"
	"github.com/cuemby/nvmeof-gw/internal/health"
	"github.com/cuemby/nvmeof-gw/internal/log"
	"github.com/cuemby/nvmeof-gw/internal/metrics"
	"github.com/cuemby/nvmeof-gw/internal/monitor"
	"github.com/cuemby/nvmeof-gw/internal/mtls"
	"github.com/cuemby/nvmeof-gw/internal/objectstore"
	"github.com/cuemby/nvmeof-gw/internal/objectstore/embedded"
	"github.com/cuemby/nvmeof-gw/internal/reconciler"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
	"github.com/cuemby/nvmeof-gw/internal/tgt"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level command error onto the CLI exit codes named
// in §6: 1 for usage errors, 2 for a server that failed to start or run,
// 3 for a failure to reach a dependency the server needs to start against.
func exitCodeFor(err error) int {
	switch err.(type) {
	case usageError:
		return 1
	case connectionError:
		return 3
	default:
		return 2
	}
}

type usageError struct{ error }
type connectionError struct{ error }

var rootCmd = &cobra.Command{
	Use:     "nvmeof-gw",
	Short:   "NVMe-oF gateway control plane daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nvmeof-gw version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("config", "/etc/nvmeof-gw/gateway.conf", "Path to the gateway INI configuration file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon in the foreground",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return usageError{fmt.Errorf("load config: %w", err)}
	}

	log.Init(log.Config{Level: log.Level(cfg.Gateway.LogLevel), JSON: cfg.Gateway.LogFormat == "json"})
	logger := log.WithGateway(cfg.Gateway.Name)
	logger.Info().Str("config", configPath).Msg("starting gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := health.New()

	osClient, store, err := setupStateMap(ctx, cfg, logger)
	if err != nil {
		return connectionError{err}
	}

	engine := tgt.New(tgt.Config{
		SocketPath:    cfg.SPDK.SocketPath,
		Timeout:       time.Duration(cfg.SPDK.Timeout) * time.Second,
		MaxReconnects: cfg.SPDK.MaxReconnects,
	}, log.WithComponent("tgt"))
	if err := engine.Connect(ctx); err != nil {
		return connectionError{fmt.Errorf("connect to target engine: %w", err)}
	}
	defer engine.Close()

	creds, err := credmgr.NewManager(filepath.Join(cfg.Gateway.StateDir, "keys"), cfg.Gateway.ClusterSecret, engine, store, cfg.Gateway.Name, log.WithComponent("credentials"))
	if err != nil {
		return fmt.Errorf("construct credential manager: %w", err)
	}

	lock := enginelock.New()
	machine := ha.New(cfg.Gateway.Name, engine, lock, store, log.WithComponent("ha"))

	rec := reconciler.New(store, engine, creds, cfg.Gateway.Name, h, log.WithComponent("reconciler"))
	if err := rec.Converge(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup convergence encountered errors, continuing")
	}
	if err := rec.Run(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	gw := domain.Gateway{
		Name: cfg.Gateway.Name, Group: cfg.Gateway.Group, NodeAddr: cfg.Gateway.Addr,
		GRPCPort: cfg.Gateway.GRPCPort, DiscoPort: cfg.Discovery.Port,
	}
	mon := monitor.New(gw, store, osClient, machine, h, log.WithComponent("monitor"))
	if err := mon.Register(ctx); err != nil {
		return fmt.Errorf("register with cluster: %w", err)
	}
	defer func() {
		deregisterCtx, deregisterCancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer deregisterCancel()
		if err := mon.Deregister(deregisterCtx); err != nil {
			logger.Error().Err(err).Msg("deregister failed during shutdown")
		}
	}()

	// gwctx is the single bundle of long-lived collaborators threaded into
	// the gRPC server setup below instead of passing each component through
	// its own parameter.
	gwctx := &gwcontext.Context{
		Config:      cfg,
		Logger:      logger,
		Health:      h,
		ObjectStore: osClient,
		StateMap:    store,
		Engine:      engine,
		Credentials: creds,
		HA:          machine,
		Reconciler:  rec,
		Monitor:     mon,
	}

	var disco *discovery.Responder
	if cfg.Discovery.Enabled {
		disco = discovery.New(gwctx.StateMap, log.WithComponent("discovery"))
		if err := disco.Start(ctx, fmt.Sprintf("%s:%d", cfg.Discovery.Addr, cfg.Discovery.Port)); err != nil {
			return fmt.Errorf("start discovery responder: %w", err)
		}
	}

	metricsSrv := startMetricsServer(gwctx.Logger)

	grpcServer, listener, err := setupGRPC(gwctx)
	if err != nil {
		return err
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listener.Addr().String()).Msg("gRPC server listening")
		serveErrCh <- grpcServer.Serve(listener)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("gRPC server exited unexpectedly")
		}
	}

	// Shutdown ordering (innermost dependency last): stop accepting new
	// admin requests, stop discovery, deregister from the cluster (runs
	// via defer above), then tear down the engine connection and state map
	// subscription.
	grpcServer.GracefulStop()
	if disco != nil {
		_ = disco.Stop()
	}
	_ = metricsSrv.Close()

	logger.Info().Msg("shutdown complete")
	return nil
}

func setupStateMap(ctx context.Context, cfg config.Config, logger zerolog.Logger) (objectstore.Client, *statemap.Store, error) {
	client, err := embedded.NewStore(embedded.Config{
		NodeID:   cfg.Gateway.Name,
		DataDir:  filepath.Join(cfg.Gateway.StateDir, "objectstore"),
		BindAddr: "127.0.0.1:0",
	}, log.WithComponent("objectstore"))
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded object store: %w", err)
	}
	store := statemap.New(client, log.WithComponent("statemap"))
	if err := store.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start state map: %w", err)
	}
	return client, store, nil
}

func startMetricsServer(logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: "127.0.0.1:9100", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}

func setupGRPC(gwctx *gwcontext.Context) (*grpc.Server, net.Listener, error) {
	cfg := gwctx.Config
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Gateway.Addr, cfg.Gateway.GRPCPort))
	if err != nil {
		return nil, nil, connectionError{fmt.Errorf("listen on %s:%d: %w", cfg.Gateway.Addr, cfg.Gateway.GRPCPort, err)}
	}

	opts := []grpc.ServerOption{grpc.UnaryInterceptor(gwservice.RecoveryInterceptor(gwctx.Logger))}
	if cfg.MTLS.Enabled {
		tlsConfig, err := mtls.ServerTLSConfig(mtls.ServerConfig{
			CertFile: cfg.MTLS.CertFile, KeyFile: cfg.MTLS.KeyFile, CAFile: cfg.MTLS.CAFile, ClientAuth: cfg.MTLS.ClientAuth,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("load mTLS material: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	server := grpc.NewServer(opts...)
	svc := gwservice.New(cfg.Gateway.Name, gwctx.StateMap, gwctx.Engine, gwctx.Credentials, gwctx.Health, gwctx.Logger)
	gatewaypb.RegisterGatewayServiceServer(server, svc)
	return server, listener, nil
}
