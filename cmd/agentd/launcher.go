package main

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/quartzsched/quartz/pkg/types"
)

// LaunchSpec is what a Launcher needs to start a job's batch step: the
// credential fields that survived verification, nothing more. Script
// staging/delivery is an external collaborator (spec §1 lists sbatch/
// srun out of scope), so Launch runs a fixed local command and passes
// job identity through the environment the way Slurm's task plugin
// does, rather than receiving script content over the wire.
type LaunchSpec struct {
	JobID    types.JobID
	UID      int
	NodeList string
}

// Launcher starts, signals, and kills a node's local representation of
// a job. Exactly one reference implementation exists, per spec's "one
// reference implementation per extension point is enough" note.
type Launcher interface {
	Launch(spec LaunchSpec) error
	Signal(jobID types.JobID, signal int32) error
	Kill(jobID types.JobID) error
}

// ExecLauncher runs a configured command per job via os/exec, tracking
// the live *os.Process by job id so Signal/Kill can reach it later.
// batchCmd is a full program path; quartz job identity reaches it only
// through the environment (QUARTZ_JOB_ID, QUARTZ_JOB_UID,
// QUARTZ_JOB_NODELIST), matching the batch-host/one-shell-per-job model
// in spec §4.D without depending on a script payload this system never
// carries.
type ExecLauncher struct {
	batchCmd  string
	batchArgs []string

	mu    sync.Mutex
	procs map[types.JobID]*exec.Cmd
}

func NewExecLauncher(batchCmd string, batchArgs []string) *ExecLauncher {
	return &ExecLauncher{
		batchCmd:  batchCmd,
		batchArgs: batchArgs,
		procs:     make(map[types.JobID]*exec.Cmd),
	}
}

func (l *ExecLauncher) Launch(spec LaunchSpec) error {
	cmd := exec.Command(l.batchCmd, l.batchArgs...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("QUARTZ_JOB_ID=%d", uint64(spec.JobID)),
		fmt.Sprintf("QUARTZ_JOB_UID=%d", spec.UID),
		"QUARTZ_JOB_NODELIST="+spec.NodeList,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch job %d: %w", spec.JobID, err)
	}

	l.mu.Lock()
	l.procs[spec.JobID] = cmd
	l.mu.Unlock()

	go func() {
		cmd.Wait()
		l.mu.Lock()
		delete(l.procs, spec.JobID)
		l.mu.Unlock()
	}()
	return nil
}

func (l *ExecLauncher) Signal(jobID types.JobID, signal int32) error {
	l.mu.Lock()
	cmd, ok := l.procs[jobID]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return fmt.Errorf("no running process for job %d", jobID)
	}
	return cmd.Process.Signal(syscall.Signal(signal))
}

func (l *ExecLauncher) Kill(jobID types.JobID) error {
	l.mu.Lock()
	cmd, ok := l.procs[jobID]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill job %d: %w", jobID, err)
	}
	// give the terminated process a moment to be reaped by Wait's
	// goroutine before the caller reports success back to ctld.
	time.Sleep(50 * time.Millisecond)
	return nil
}
