// Command scancel cancels jobs or job steps matching either an
// explicit list of job identifiers or a set of selection filters,
// talking to cmd/ctld over pkg/client's wire-protocol RPC connection.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/quartzsched/quartz/pkg/client"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/wire"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scancel [flags] {jobid[_array][.step] | +hetcomp} ...",
	Short: "Cancel jobs or job steps",
	Args:  cobra.ArbitraryArgs,
	RunE:  runCancel,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("account", "A", "", "restrict to jobs under this account")
	f.BoolP("batch", "b", false, "signal only the batch step")
	f.BoolP("full", "f", false, "signal the batch step and all other steps")
	f.BoolP("hurry", "H", false, "skip burst-buffer stage-out")
	f.BoolP("interactive", "i", false, "confirm before each cancellation")
	f.StringP("clusters", "M", "", "comma-separated cluster names to act on")
	f.StringP("name", "n", "", "restrict to jobs with this name")
	f.StringP("partition", "p", "", "restrict to jobs in this partition")
	f.BoolP("quiet", "Q", false, "suppress non-error messages")
	f.StringP("qos", "q", "", "restrict to jobs with this QoS")
	f.StringP("reservation", "R", "", "restrict to jobs in this reservation")
	f.StringP("signal", "s", "", "signal to send instead of the default termination chain")
	f.StringP("state", "t", "", "restrict to jobs in this comma-separated state list")
	f.StringP("user", "u", "", "restrict to jobs owned by this user")
	f.StringP("nodelist", "w", "", "restrict to jobs running on this node list")
	f.Bool("me", false, "restrict to jobs owned by the invoking user")
	f.String("sibling", "", "act on a federation sibling cluster")
	f.String("wckey", "", "restrict to jobs with this workload characterization key")
	f.StringP("ctld", "", envDefault("SCANCEL_CTLD", "127.0.0.1:7002"), "controller address")
	f.BoolP("verbose", "v", false, "verbose output")
}

func runCancel(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	o := &options{}

	o.Account, _ = f.GetString("account")
	o.BatchOnly, _ = f.GetBool("batch")
	o.Full, _ = f.GetBool("full")
	o.Hurry, _ = f.GetBool("hurry")
	o.Interactive, _ = f.GetBool("interactive")
	o.Clusters, _ = f.GetString("clusters")
	o.Name, _ = f.GetString("name")
	o.Partition, _ = f.GetString("partition")
	o.Quiet, _ = f.GetBool("quiet")
	o.QoS, _ = f.GetString("qos")
	o.Reservation, _ = f.GetString("reservation")
	o.Signal, _ = f.GetString("signal")
	o.States, _ = f.GetString("state")
	o.User, _ = f.GetString("user")
	o.NodeList, _ = f.GetString("nodelist")
	o.Me, _ = f.GetBool("me")
	o.Sibling, _ = f.GetString("sibling")
	o.WCKey, _ = f.GetString("wckey")
	o.Verbose, _ = f.GetBool("verbose")

	for _, name := range []string{"account", "batch", "clusters", "full", "hurry", "interactive", "name", "partition", "qos", "state", "user", "wckey", "verbose"} {
		o.applyEnvDefault(name, f.Changed(name))
	}

	ctldAddr, _ := f.GetString("ctld")

	var specs []jobIDSpec
	for _, arg := range args {
		spec, err := parseJobIDSpec(arg)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	if o.hasDefaultOpt() && len(specs) == 0 {
		return fmt.Errorf("no job identifiers given and no selection filter given")
	}

	signal, err := parseSignal(o.Signal)
	if err != nil {
		return err
	}

	c, err := client.NewClient(ctldAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	filter := buildFilter(o, specs)

	if o.hasDefaultOpt() {
		// No filter: act directly on the listed ids without resolving
		// them through a query first.
		return cancelFilter(c, filter, signal, o)
	}

	matches, err := c.QueryJobs(filter)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		if !o.Quiet {
			fmt.Println("scancel: no jobs matched the given selection")
		}
		return nil
	}

	var failed bool
	for _, job := range matches {
		if o.Interactive && !confirm(job) {
			continue
		}
		single := wire.JobFilter{
			JobIDs:    []uint64{job.JobID},
			BatchOnly: o.BatchOnly,
			Full:      o.Full,
			Hurry:     o.Hurry,
		}
		if err := c.CancelJob(single, signal); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", describeError(job.JobID, err))
			failed = true
			continue
		}
		if !o.Quiet {
			fmt.Printf("Cancelled job %d\n", job.JobID)
		}
	}
	if failed {
		return fmt.Errorf("one or more cancellations failed")
	}
	return nil
}

func cancelFilter(c *client.Client, filter wire.JobFilter, signal int32, o *options) error {
	if err := c.CancelJob(filter, signal); err != nil {
		return err
	}
	if !o.Quiet {
		for _, id := range filter.JobIDs {
			fmt.Printf("Cancelled job %d\n", id)
		}
	}
	return nil
}

func describeError(jobID uint64, err error) string {
	if errs.Is(err, errs.AlreadyDone) {
		return fmt.Sprintf("job %d: already in the requested state", jobID)
	}
	return fmt.Sprintf("job %d: %v", jobID, err)
}

func confirm(job wire.JobSummary) bool {
	fmt.Printf("Cancel job_id=%d name=%s partition=%s state=%s? (y/n) ", job.JobID, job.Name, job.Partition, job.State)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}
