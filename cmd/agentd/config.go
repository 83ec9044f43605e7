package main

import "time"

// agentConfig collects the flags agentd's single start command needs.
type agentConfig struct {
	NodeID            string
	ControllerAddr    string
	BindAddr          string
	CertDir           string
	JoinToken         string
	CPUCores          int
	MemoryMB          int
	HeartbeatInterval time.Duration
	BatchCmd          string
	BatchArgs         []string
}
