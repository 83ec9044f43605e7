// Command ctld is the cluster controller daemon: Raft-replicated
// state machine, scheduler, reconciler, agent fan-out engine, wire
// RPC listener, and HTTP observability surface, all started together
// by "ctld bootstrap" (new cluster) or "ctld join" (existing one).
package main

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/quartzsched/quartz/pkg/agent"
	"github.com/quartzsched/quartz/pkg/assoc"
	"github.com/quartzsched/quartz/pkg/controller"
	"github.com/quartzsched/quartz/pkg/credential"
	"github.com/quartzsched/quartz/pkg/events"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/security"
	"github.com/quartzsched/quartz/pkg/sluid"
	"github.com/quartzsched/quartz/pkg/storage"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ctld",
	Short:   "Quartz cluster controller daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ctld version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(infoCmd)

	for _, cmd := range []*cobra.Command{bootstrapCmd, joinCmd} {
		f := cmd.Flags()
		f.String("node-id", "", "this controller's Raft node id (required)")
		f.String("bind-addr", "127.0.0.1:7000", "Raft transport bind address")
		f.String("rpc-addr", "127.0.0.1:7002", "client/agent wire RPC listen address")
		f.String("http-addr", "127.0.0.1:7003", "HTTP metrics/health/events listen address")
		f.String("data-dir", "/var/lib/quartz/ctld", "controller state directory")
		f.String("cluster-id", "quartz", "cluster identifier, also used to derive the at-rest encryption key")
		f.Duration("sched-interval", 5*time.Second, "scheduler pass interval")
		f.Duration("recon-interval", 30*time.Second, "reconciler pass interval")
		f.Bool("backfill", true, "enable backfill scheduling")
	}
	bootstrapCmd.Flags().String("join-token", "", "token agents/clients present to obtain a certificate (required)")
	joinCmd.Flags().String("leader-addr", "", "an existing controller's Raft bind address to join through")
	joinCmd.Flags().String("join-token", "", "cluster join token, must match the leader's")

	infoCmd.Flags().String("rpc", "127.0.0.1:7002", "controller RPC address")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Initialize a new Quartz cluster with this node as its first controller",
	RunE:  runDaemon(true),
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this controller to an existing cluster",
	RunE:  runDaemon(false),
}

func runDaemon(bootstrap bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if bootstrap && cfg.JoinToken == "" {
			return fmt.Errorf("--join-token is required")
		}

		ctrl, err := controller.New(controller.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("create controller: %w", err)
		}
		store := ctrl.Store()

		if bootstrap {
			if err := ctrl.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap raft: %w", err)
			}
		} else {
			if err := ctrl.Join(); err != nil {
				return fmt.Errorf("join raft: %w", err)
			}
		}

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.ClusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}

		ca := security.NewCertAuthority(store)
		if bootstrap {
			if err := ca.Initialize(); err != nil {
				return fmt.Errorf("initialize CA: %w", err)
			}
			if err := ca.SaveToStore(); err != nil {
				return fmt.Errorf("save CA: %w", err)
			}
		} else {
			if err := ca.LoadFromStore(); err != nil {
				return fmt.Errorf("load CA: %w", err)
			}
		}

		certDir := cfg.DataDir + "/certs"
		if !security.CertExists(certDir) {
			host, _, _ := net.SplitHostPort(cfg.RPCAddr)
			ips := []net.IP{net.ParseIP(host)}
			tlsCert, err := ca.IssueNodeCertificate(cfg.NodeID, "controller", []string{host}, ips)
			if err != nil {
				return fmt.Errorf("issue controller certificate: %w", err)
			}
			if err := security.SaveCertToFile(tlsCert, certDir); err != nil {
				return fmt.Errorf("save controller certificate: %w", err)
			}
			if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
				return fmt.Errorf("save CA certificate: %w", err)
			}
		}
		tlsCert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load controller certificate: %w", err)
		}
		caCert, err := security.LoadCACertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load CA certificate: %w", err)
		}

		signer, _, signingPub, err := loadOrCreateSigningKeys(store, bootstrap)
		if err != nil {
			return err
		}

		resources := resource.New()
		if err := rehydrateNodes(resources, store); err != nil {
			return fmt.Errorf("rehydrate nodes: %w", err)
		}
		if err := rehydratePartitions(resources, store); err != nil {
			return fmt.Errorf("rehydrate partitions: %w", err)
		}

		assocTree := assoc.New(cfg.ClusterID, false)
		if err := rehydrateAssociations(assocTree, store); err != nil {
			return fmt.Errorf("rehydrate associations: %w", err)
		}

		switches := credential.NewRegistry()
		if err := switches.Register(credential.NoneProvider{}); err != nil {
			return fmt.Errorf("register switch provider: %w", err)
		}

		idgen, err := sluid.NewGenerator(clusterShortID(cfg.ClusterID))
		if err != nil {
			return fmt.Errorf("create id generator: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// agent.Engine and StateMachine each need the other at
		// construction time; actionsProxy breaks the cycle by
		// forwarding to sm once it exists.
		proxy := &actionsProxy{}
		engine := agent.New(nodeTransport(certDir), proxy, agent.Config{})
		sm := controller.NewStateMachine(ctrl, resources, assocTree, signer, switches, engine, idgen, broker)
		proxy.sm = sm

		sched := controller.NewScheduler(ctrl, sm, cfg.SchedInterval, cfg.Backfill)
		sched.Start()
		defer sched.Stop()

		recon := controller.NewReconciler(ctrl, sm, cfg.ReconInterval)
		recon.Start()
		defer recon.Stop()

		srv := newRPCServer(ctrl, sm, resources, assocTree, store, ca, signingPub, cfg.JoinToken)
		go func() {
			if err := srv.listenAndServe(cfg.RPCAddr, *tlsCert, caCert); err != nil {
				log.Logger.Error().Err(err).Msg("rpc listener stopped")
			}
		}()

		stopMetrics := make(chan struct{})
		go reportMetrics(ctrl, engine, resources, 10*time.Second, stopMetrics)
		defer close(stopMetrics)

		router := newHTTPRouter(ctrl, engine, resources, broker)
		go func() {
			if err := http.ListenAndServe(cfg.HTTPAddr, router); err != nil {
				log.Logger.Error().Err(err).Msg("http listener stopped")
			}
		}()

		log.Logger.Info().
			Str("node_id", cfg.NodeID).
			Str("rpc_addr", cfg.RPCAddr).
			Str("http_addr", cfg.HTTPAddr).
			Bool("bootstrap", bootstrap).
			Msg("ctld started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		engine.Stop()
		if err := ctrl.Shutdown(); err != nil {
			return fmt.Errorf("shutdown controller: %w", err)
		}
		return nil
	}
}

// actionsProxy forwards agent.NodeActions calls to a StateMachine
// that doesn't exist yet when the Engine is constructed.
type actionsProxy struct {
	sm *controller.StateMachine
}

func (p *actionsProxy) MakeNodeIdle(nodeName string, jobID types.JobID) error {
	return p.sm.MakeNodeIdle(nodeName, jobID)
}

func (p *actionsProxy) SetNodeDown(nodeName, reason string) error {
	return p.sm.SetNodeDown(nodeName, reason)
}

// loadOrCreateSigningKeys bootstraps the controller's Ed25519 job
// credential keypair on first start, or reloads and unseals it on
// every subsequent start. The sealed private key and raw public key
// are stored concatenated since storage.Store has no second slot for
// it.
func loadOrCreateSigningKeys(store storage.Store, bootstrap bool) (*credential.Signer, *credential.Verifier, ed25519.PublicKey, error) {
	if bootstrap {
		pub, priv, err := credential.GenerateKeypair()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("generate signing keypair: %w", err)
		}
		sealed, err := security.Encrypt(priv)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("seal signing key: %w", err)
		}
		if err := store.SaveSigningKey(append(sealed, pub...)); err != nil {
			return nil, nil, nil, fmt.Errorf("save signing key: %w", err)
		}
		return credential.NewSigner(priv), credential.NewVerifier(pub), pub, nil
	}

	blob, err := store.GetSigningKey()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load signing key: %w", err)
	}
	pubLen := 32
	if len(blob) <= pubLen {
		return nil, nil, nil, fmt.Errorf("stored signing key blob too short")
	}
	sealed, pub := blob[:len(blob)-pubLen], blob[len(blob)-pubLen:]
	priv, err := security.Decrypt(sealed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unseal signing key: %w", err)
	}
	return credential.NewSigner(priv), credential.NewVerifier(pub), ed25519.PublicKey(pub), nil
}

func rehydrateNodes(resources *resource.Table, store storage.Store) error {
	nodes, err := store.ListNodes()
	if err != nil {
		return err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	for _, n := range nodes {
		if err := resources.RegisterNode(n); err != nil {
			return err
		}
	}
	return nil
}

func rehydratePartitions(resources *resource.Table, store storage.Store) error {
	partitions, err := store.ListPartitions()
	if err != nil {
		return err
	}
	for _, p := range partitions {
		if err := resources.AddPartition(p); err != nil {
			return err
		}
	}
	return nil
}

// rehydrateAssociations replays Add in ascending-ID order so the
// tree's sequential id counter reassigns exactly the ids each
// association already held before restart.
func rehydrateAssociations(tree *assoc.Tree, store storage.Store) error {
	assocs, err := store.ListAssociations()
	if err != nil {
		return err
	}
	sort.Slice(assocs, func(i, j int) bool { return assocs[i].ID < assocs[j].ID })
	for _, a := range assocs {
		if a.ID == assoc.RootID {
			continue
		}
		if _, err := tree.Add(a.ParentID, a); err != nil {
			return err
		}
	}
	return nil
}

// clusterShortID folds a cluster identifier down into sluid's 12-bit
// cluster field.
func clusterShortID(clusterID string) uint16 {
	var h uint16
	for i := 0; i < len(clusterID); i++ {
		h = h*131 + uint16(clusterID[i])
	}
	return h & 0xFFF
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display this controller's Raft/cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("rpc")
		fmt.Printf("controller: %s\n", addr)
		fmt.Println("use the /healthz HTTP endpoint for live status")
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (daemonConfig, error) {
	f := cmd.Flags()
	var cfg daemonConfig
	cfg.NodeID, _ = f.GetString("node-id")
	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("--node-id is required")
	}
	cfg.BindAddr, _ = f.GetString("bind-addr")
	cfg.RPCAddr, _ = f.GetString("rpc-addr")
	cfg.HTTPAddr, _ = f.GetString("http-addr")
	cfg.DataDir, _ = f.GetString("data-dir")
	cfg.ClusterID, _ = f.GetString("cluster-id")
	cfg.JoinToken, _ = f.GetString("join-token")
	cfg.SchedInterval, _ = f.GetDuration("sched-interval")
	cfg.ReconInterval, _ = f.GetDuration("recon-interval")
	cfg.Backfill, _ = f.GetBool("backfill")
	return cfg, nil
}
