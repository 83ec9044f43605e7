package main

import "time"

// daemonConfig collects every flag cmd/ctld's bootstrap and join
// commands share, kept as one struct so the HTTP/RPC wiring functions
// don't grow long individual parameter lists.
type daemonConfig struct {
	NodeID       string
	BindAddr     string
	RPCAddr      string
	HTTPAddr     string
	DataDir      string
	ClusterID    string
	JoinToken    string
	SchedInterval time.Duration
	ReconInterval time.Duration
	Backfill     bool
}
