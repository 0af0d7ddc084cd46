package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/nacos-go/registry/internal/authz"
	"github.com/nacos-go/registry/internal/cluster"
	"github.com/nacos-go/registry/internal/config"
	"github.com/nacos-go/registry/internal/dnsview"
	"github.com/nacos-go/registry/internal/healthcheck"
	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/internal/pki"
	"github.com/nacos-go/registry/internal/raftfsm"
	"github.com/nacos-go/registry/internal/subscriber"
	"github.com/nacos-go/registry/pkg/api"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
	"github.com/nacos-go/registry/pkg/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "registry",
	Short:   "A Nacos-compatible service registry and config server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("registry version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("node-id", "node-1", "This node's Raft/peer id")
	serveCmd.Flags().String("config", "", "Path to a YAML server config file")
	serveCmd.Flags().String("data-dir", "", "Override the configured data directory")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a brand new single-node Raft cluster")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics, /health, /ready, /live endpoints")
	serveCmd.Flags().String("dns-addr", "", "Address to serve DNS-based service discovery on (empty disables it)")
	serveCmd.Flags().String("tls-cert-file", "", "Node certificate for cluster mTLS (see `registry ca issue`)")
	serveCmd.Flags().String("tls-key-file", "", "Node private key for cluster mTLS")
	serveCmd.Flags().String("tls-ca-file", "", "CA certificate for cluster mTLS")

	caIssueCmd.Flags().String("out", "./certs", "Directory to write ca.crt, node.crt, node.key into")
	caIssueCmd.Flags().StringSlice("dns-name", nil, "Additional DNS SAN for the node certificate")
	caCmd.AddCommand(caIssueCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(caCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a registry node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDirOverride, _ := cmd.Flags().GetString("data-dir")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		dnsAddr, _ := cmd.Flags().GetString("dns-addr")
		tlsCertFile, _ := cmd.Flags().GetString("tls-cert-file")
		tlsKeyFile, _ := cmd.Flags().GetString("tls-key-file")
		tlsCAFile, _ := cmd.Flags().GetString("tls-ca-file")

		cfg, err := config.LoadServerConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("load server config: %w", err)
		}
		cfg.NodeID = nodeID
		if dataDirOverride != "" {
			cfg.DataDir = dataDirOverride
		}
		if dnsAddr != "" {
			cfg.DNSAddr = dnsAddr
		}
		if tlsCertFile != "" {
			cfg.TLSCertFile = tlsCertFile
		}
		if tlsKeyFile != "" {
			cfg.TLSKeyFile = tlsKeyFile
		}
		if tlsCAFile != "" {
			cfg.TLSCAFile = tlsCAFile
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}

		logger := log.WithComponent("registry-serve")

		persist, err := store.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open persistence store: %w", err)
		}
		defer persist.Close()

		fsm := raftfsm.NewFSM(persist)
		raftInstance, transport, err := raftfsm.NewRaft(raftfsm.BootstrapConfig{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.RaftAddr,
			DataDir:  cfg.DataDir,
		}, fsm)
		if err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
		if bootstrap {
			if err := raftfsm.BootstrapCluster(raftInstance, raftfsm.BootstrapConfig{NodeID: cfg.NodeID}, transport); err != nil {
				return fmt.Errorf("bootstrap raft cluster: %w", err)
			}
			logger.Info().Msg("bootstrapped single-node raft cluster")
		}
		applier := raftfsm.NewApplier(raftInstance)
		configBridge := config.NewBridge(applier)

		notifier := naming.NewNotifier(cfg.CoalesceWindow(), func(key naming.ServiceKey, clientIDs []string) {
			logger.Debug().Str("service", key.String()).Int("subscribers", len(clientIDs)).Msg("pushing naming change")
		})
		defer notifier.Stop()

		subs := subscriber.NewIndex(notifier.Notify)
		defer subs.Close()

		namingStore := naming.NewStore(func(key naming.ServiceKey) {
			if err := subs.Notify(cmd.Context(), key); err != nil {
				logger.Warn().Err(err).Msg("subscriber notify failed")
			}
		})
		namingStore.SetHealthThresholds(cfg.UnhealthyThresholdMS, cfg.EvictionThresholdMS)
		defer namingStore.Close()

		if err := namingStore.SetPersistence(cmd.Context(), persist); err != nil {
			return fmt.Errorf("wire instance persistence: %w", err)
		}
		persistedInstances, err := persist.ListInstances()
		if err != nil {
			return fmt.Errorf("load persisted instances: %w", err)
		}
		if err := namingStore.LoadPersistentSnapshot(cmd.Context(), persistedInstances); err != nil {
			return fmt.Errorf("restore persisted instances: %w", err)
		}
		logger.Info().Int("count", len(persistedInstances)).Msg("restored non-ephemeral instances from disk")

		router := cluster.NewRouter(cfg.NodeID, namingStore, subs)
		router.SetLeaderFunc(func() bool { return raftInstance.State().String() == "Leader" })

		var grpcServerOpts []grpc.ServerOption
		peerTransport := api.NewGRPCTransport()
		if cfg.TLSEnabled() {
			tlsConfig, err := api.LoadMTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
			if err != nil {
				return fmt.Errorf("load mTLS config: %w", err)
			}
			grpcServerOpts = append(grpcServerOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
			peerTransport = api.NewGRPCTransportTLS(credentials.NewTLS(tlsConfig))
			logger.Info().Msg("cluster gRPC secured with mutual TLS")
		}
		defer peerTransport.Close()
		for _, peer := range cfg.Peers {
			router.AddPeer(peer.NodeID, peer.Addr, peerTransport)
		}
		router.StartSweep()
		defer router.StopSweep()

		activeRunner := healthcheck.NewRunner(namingStore)
		defer activeRunner.Stop()
		stopActiveReconcile := make(chan struct{})
		defer close(stopActiveReconcile)
		go reconcileActiveHealthChecks(cmd.Context(), namingStore, activeRunner, stopActiveReconcile)

		gate := authz.NewGate(authz.NewGroup("default", naming.DefaultNamespace))
		limiter := authz.NewRateLimiter(authz.RateLimitConfig{
			GlobalRPS:      1000,
			GlobalBurst:    2000,
			NamespaceRPS:   cfg.NamespaceRateLimitRPS,
			NamespaceBurst: cfg.NamespaceRateLimitBurst,
		})

		collector := metrics.NewCollector(router)
		collector.Start()
		defer collector.Stop()
		metrics.RegisterComponent("raft", true, "started")
		metrics.RegisterComponent("naming-store", true, "started")

		grpcServer := api.NewGRPCServer(router, configBridge, gate, limiter, grpcServerOpts...)
		go func() {
			if err := grpcServer.Start(cfg.GRPCAddr); err != nil {
				logger.Error().Err(err).Msg("grpc server exited")
			}
		}()
		defer grpcServer.Stop()

		httpServer := api.NewHTTPServer(router, gate, limiter)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/", httpServer.Handler())
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
				logger.Error().Err(err).Msg("http server exited")
			}
		}()
		if metricsAddr != "" {
			go func() {
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", metrics.Handler())
				metricsMux.Handle("/health", metrics.HealthHandler())
				metricsMux.Handle("/ready", metrics.ReadyHandler())
				metricsMux.Handle("/live", metrics.LivenessHandler())
				if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
					logger.Error().Err(err).Msg("metrics server exited")
				}
			}()
		}
		if cfg.DNSAddr != "" {
			dnsServer := dnsview.NewServer(namingStore, &dnsview.Config{ListenAddr: cfg.DNSAddr})
			if err := dnsServer.Start(cmd.Context()); err != nil {
				logger.Error().Err(err).Msg("dns server failed to start")
			} else {
				defer dnsServer.Stop()
			}
		}

		logger.Info().Str("http_addr", cfg.HTTPAddr).Str("grpc_addr", cfg.GRPCAddr).Str("metrics_addr", metricsAddr).Msg("registry node started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")
		return nil
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Provision cluster TLS certificates for mutual-TLS gRPC",
}

var caIssueCmd = &cobra.Command{
	Use:   "issue <node-id>",
	Short: "Generate a root CA and one node certificate signed by it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID := args[0]
		outDir, _ := cmd.Flags().GetString("out")
		dnsNames, _ := cmd.Flags().GetStringSlice("dns-name")

		ca := pki.NewCA()
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize CA: %w", err)
		}
		cert, err := ca.IssueNodeCertificate(nodeID, append([]string{nodeID}, dnsNames...), nil)
		if err != nil {
			return fmt.Errorf("issue node certificate: %w", err)
		}

		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		if err := writePEM(filepath.Join(outDir, "ca.crt"), "CERTIFICATE", ca.RootCertDER()); err != nil {
			return err
		}
		if err := writePEM(filepath.Join(outDir, "node.crt"), "CERTIFICATE", cert.Certificate[0]); err != nil {
			return err
		}
		keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
		if err != nil {
			return fmt.Errorf("marshal node key: %w", err)
		}
		if err := writePEM(filepath.Join(outDir, "node.key"), "PRIVATE KEY", keyDER); err != nil {
			return err
		}

		fmt.Printf("wrote ca.crt, node.crt, node.key to %s\n", outDir)
		fmt.Println("point --tls-cert-file/--tls-key-file/--tls-ca-file (or the YAML equivalents) at these files on every node sharing this CA")
		return nil
	},
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

var joinCmd = &cobra.Command{
	Use:   "join <leader-raft-addr>",
	Short: "Always fails: voters are added on the current leader via raftfsm.AddVoter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("join must be driven from the current leader via AddVoter; see internal/raftfsm.AddVoter")
	},
}

// activeHealthCheckReconcileInterval is how often the running set of
// healthcheck.Runner targets is reconciled against every cluster's
// configured HealthyCheckType.
const activeHealthCheckReconcileInterval = 10 * time.Second

// activeCheckTargetID derives the Runner tracking id for one instance
// so reconcileActiveHealthChecks can diff the desired set against
// Runner.TargetIDs() without keeping its own bookkeeping.
func activeCheckTargetID(t naming.ActiveCheckTarget) string {
	return fmt.Sprintf("%s|%s", t.Key.String(), t.Instance.ID())
}

// reconcileActiveHealthChecks periodically reads every cluster's
// configured HealthyCheckType (naming.Store.ListActiveCheckTargets)
// and adds/removes Runner targets so the active-check regime tracks
// cluster configuration without a restart.
func reconcileActiveHealthChecks(ctx context.Context, namingStore *naming.Store, runner *healthcheck.Runner, stop <-chan struct{}) {
	logger := log.WithComponent("active-healthcheck")
	ticker := time.NewTicker(activeHealthCheckReconcileInterval)
	defer ticker.Stop()

	reconcile := func() {
		targets, err := namingStore.ListActiveCheckTargets(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("list active check targets failed")
			return
		}

		desired := make(map[string]naming.ActiveCheckTarget, len(targets))
		for _, t := range targets {
			desired[activeCheckTargetID(t)] = t
		}

		tracked := make(map[string]bool)
		for _, id := range runner.TargetIDs() {
			tracked[id] = true
			if _, ok := desired[id]; !ok {
				runner.RemoveTarget(id)
			}
		}

		for id, t := range desired {
			if tracked[id] {
				continue
			}
			var checker healthcheck.Checker
			switch t.CheckType {
			case naming.ClusterHealthCheckTypeHTTP:
				checker = healthcheck.NewHTTPChecker(fmt.Sprintf("http://%s:%d/", t.Instance.IP, t.Instance.Port))
			case naming.ClusterHealthCheckTypeTCP:
				checker = healthcheck.NewTCPChecker(fmt.Sprintf("%s:%d", t.Instance.IP, t.Instance.Port))
			default:
				continue
			}
			runner.AddTarget(id, healthcheck.Target{
				Key:      t.Key,
				Instance: t.Instance,
				Checker:  checker,
				Config:   healthcheck.DefaultConfig(),
			})
		}
	}

	reconcile()
	for {
		select {
		case <-ticker.C:
			reconcile()
		case <-stop:
			return
		}
	}
}
