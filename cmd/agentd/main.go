// Command agentd is the node agent daemon: it registers with a
// controller, serves the inbound half of the controller<->agent wire
// protocol (launch/signal/kill), and runs each node's batch steps
// through a local Launcher.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quartzsched/quartz/pkg/credential"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/wire"
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
	Use:     "agentd",
	Short:   "Quartz node agent daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentd version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)

	f := startCmd.Flags()
	f.String("node-id", "", "this node's name (required)")
	f.String("controller", "127.0.0.1:7002", "controller wire RPC address")
	f.String("bind-addr", "0.0.0.0:7010", "address this agent listens on for controller RPCs")
	f.String("cert-dir", "", "certificate directory (default ~/.quartz/certs/agent-<node-id>)")
	f.String("join-token", "", "cluster join token, required on first start")
	f.Int("cpu-cores", 0, "CPU cores to advertise (required)")
	f.Int("memory-mb", 0, "memory in MB to advertise (required)")
	f.Duration("heartbeat-interval", 10*time.Second, "registration heartbeat interval")
	f.String("batch-cmd", "", "program the launcher execs for each job (required)")
	f.StringSlice("batch-args", nil, "arguments passed to batch-cmd")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Register with a controller and begin serving job launches",
	RunE:  runAgent,
}

func loadConfig(cmd *cobra.Command) (agentConfig, error) {
	f := cmd.Flags()
	nodeID, _ := f.GetString("node-id")
	if nodeID == "" {
		return agentConfig{}, fmt.Errorf("--node-id is required")
	}
	controllerAddr, _ := f.GetString("controller")
	bindAddr, _ := f.GetString("bind-addr")
	certDir, _ := f.GetString("cert-dir")
	joinToken, _ := f.GetString("join-token")
	cpuCores, _ := f.GetInt("cpu-cores")
	memoryMB, _ := f.GetInt("memory-mb")
	heartbeat, _ := f.GetDuration("heartbeat-interval")
	batchCmd, _ := f.GetString("batch-cmd")
	batchArgs, _ := f.GetStringSlice("batch-args")

	if cpuCores <= 0 || memoryMB <= 0 {
		return agentConfig{}, fmt.Errorf("--cpu-cores and --memory-mb are required")
	}
	if batchCmd == "" {
		return agentConfig{}, fmt.Errorf("--batch-cmd is required")
	}

	return agentConfig{
		NodeID:            nodeID,
		ControllerAddr:    controllerAddr,
		BindAddr:          bindAddr,
		CertDir:           certDir,
		JoinToken:         joinToken,
		CPUCores:          cpuCores,
		MemoryMB:          memoryMB,
		HeartbeatInterval: heartbeat,
		BatchCmd:          batchCmd,
		BatchArgs:         batchArgs,
	}, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	certDir := cfg.CertDir
	if certDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determine home directory: %w", err)
		}
		certDir = home + "/.quartz/certs/agent-" + cfg.NodeID
	}

	tlsCert, caCert, signingPub, err := bootstrapIdentity(cfg.ControllerAddr, cfg.JoinToken, cfg.NodeID, certDir)
	if err != nil {
		return fmt.Errorf("bootstrap identity: %w", err)
	}
	verifier := credential.NewVerifier(signingPub)

	launcher := NewExecLauncher(cfg.BatchCmd, cfg.BatchArgs)

	srv := newRPCServer(launcher, verifier)
	go func() {
		if err := srv.listenAndServe(cfg.BindAddr, *tlsCert, caCert); err != nil {
			log.Logger.Error().Err(err).Msg("rpc listener stopped")
		}
	}()

	stopHeartbeat := make(chan struct{})
	go registerAndHeartbeat(cfg.ControllerAddr, certDir, wire.NodeRegistration{
		Name:     cfg.NodeID,
		Address:  cfg.BindAddr,
		CPUCores: uint32(cfg.CPUCores),
		MemoryMB: uint32(cfg.MemoryMB),
	}, cfg.HeartbeatInterval, stopHeartbeat)

	log.Logger.Info().Str("node_id", cfg.NodeID).Str("controller", cfg.ControllerAddr).Msg("agentd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stopHeartbeat)
	log.Logger.Info().Msg("agentd shutting down")
	return nil
}
