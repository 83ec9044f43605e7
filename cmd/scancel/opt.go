package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/quartzsched/quartz/pkg/wire"
)

// options holds every scancel flag after flag/env/default resolution.
type options struct {
	Account     string
	BatchOnly   bool
	Full        bool
	Hurry       bool
	Interactive bool
	Clusters    string
	Name        string
	Partition   string
	Quiet       bool
	QoS         string
	Reservation string
	Signal      string
	States      string
	User        string
	NodeList    string
	Me          bool
	Sibling     string
	WCKey       string
	Verbose     bool

	JobSpecs []string // positional arguments, unparsed
}

// envDefault returns the value of the given env var, or def if unset.
// Flags always take precedence over env vars, which take precedence
// over this default — applyEnvDefault only fills fields the caller
// hasn't already set via an explicit flag.
func envDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envBoolDefault(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// applyEnvDefault fills any field still at its zero value from the
// corresponding SCANCEL_* / SLURM_CLUSTERS environment variable. Call
// this only for fields whose flag was not explicitly set by the user:
// main.go checks cmd.Flags().Changed before calling into this, so an
// explicit flag value is never overwritten.
func (o *options) applyEnvDefault(flagName string, changed bool) {
	if changed {
		return
	}
	switch flagName {
	case "account":
		o.Account = envDefault("SCANCEL_ACCOUNT", o.Account)
	case "batch":
		o.BatchOnly = envBoolDefault("SCANCEL_BATCH", o.BatchOnly)
	case "clusters":
		o.Clusters = envDefault("SLURM_CLUSTERS", o.Clusters)
	case "full":
		o.Full = envBoolDefault("SCANCEL_FULL", o.Full)
	case "hurry":
		o.Hurry = envBoolDefault("SCANCEL_HURRY", o.Hurry)
	case "interactive":
		o.Interactive = envBoolDefault("SCANCEL_INTERACTIVE", o.Interactive)
	case "name":
		o.Name = envDefault("SCANCEL_NAME", o.Name)
	case "partition":
		o.Partition = envDefault("SCANCEL_PARTITION", o.Partition)
	case "qos":
		o.QoS = envDefault("SCANCEL_QOS", o.QoS)
	case "state":
		o.States = envDefault("SCANCEL_STATE", o.States)
	case "user":
		o.User = envDefault("SCANCEL_USER", o.User)
	case "wckey":
		o.WCKey = envDefault("SCANCEL_WCKEY", o.WCKey)
	case "verbose":
		o.Verbose = envBoolDefault("SCANCEL_VERBOSE", o.Verbose)
	}
}

// hasDefaultOpt reports whether no selection filter besides explicit
// job ids was given. When true, scancel must act only on the job ids
// listed on the command line (and fails if none were given); when
// false, a filter was given and scancel resolves whatever matches it,
// even with zero explicit job ids. The ctld field and the -M/--sibling
// cluster-routing fields don't participate: they pick which cluster to
// talk to, not which jobs on it to select. --full is likewise exempt:
// it only changes how a batch job's steps are cancelled, not which
// jobs are selected. This heuristic is behaviorally load-bearing and
// must not be "simplified."
func (o *options) hasDefaultOpt() bool {
	return o.Account == "" &&
		!o.BatchOnly &&
		!o.Interactive &&
		o.Name == "" &&
		o.Partition == "" &&
		o.QoS == "" &&
		o.Reservation == "" &&
		o.Signal == "" &&
		o.States == "" &&
		resolveUser(o) == "" &&
		o.NodeList == "" &&
		o.WCKey == ""
}

// jobIDSpec is one parsed positional job identifier.
type jobIDSpec struct {
	JobID      uint64
	ArrayTask  string // "" none, "*" all, "5" single, "[1-10:2]" range
	Step       string // "" none, numeric string, or "batch"
	HetComp    int    // -1 if not a het-job component
	Raw        string
}

// parseJobIDSpec parses one scancel positional argument: `123`,
// `123_5`, `123_*`, `123_[1-10:2]`, `123+1`, `123.0`, `123.batch`.
func parseJobIDSpec(arg string) (jobIDSpec, error) {
	spec := jobIDSpec{HetComp: -1, Raw: arg}
	rest := arg

	if i := strings.IndexByte(rest, '+'); i >= 0 {
		comp, err := strconv.Atoi(rest[i+1:])
		if err != nil {
			return spec, fmt.Errorf("invalid het-job component in %q: %w", arg, err)
		}
		spec.HetComp = comp
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, '.'); i >= 0 {
		spec.Step = rest[i+1:]
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, '_'); i >= 0 {
		spec.ArrayTask = rest[i+1:]
		rest = rest[:i]
	}

	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return spec, fmt.Errorf("invalid job id %q: %w", arg, err)
	}
	spec.JobID = id
	return spec, nil
}

// buildFilter turns the resolved options and parsed job id specs into
// a wire.JobFilter. Array-task/step/het-job qualifiers are retained on
// each jobIDSpec for display purposes but are not separately
// addressable over the wire: REQUEST_CANCEL_JOB, like
// controller.StateMachine.CancelJob, only ever targets a whole job.
func buildFilter(o *options, specs []jobIDSpec) wire.JobFilter {
	f := wire.JobFilter{
		Account:     o.Account,
		Name:        o.Name,
		Partition:   o.Partition,
		QoS:         o.QoS,
		Reservation: o.Reservation,
		User:        resolveUser(o),
		NodeList:    o.NodeList,
		BatchOnly:   o.BatchOnly,
		Full:        o.Full,
		Hurry:       o.Hurry,
	}
	if o.States != "" {
		f.States = strings.Split(strings.ToUpper(o.States), ",")
	}
	for _, s := range specs {
		f.JobIDs = append(f.JobIDs, s.JobID)
	}
	return f
}

// resolveUser implements --me: act as the invoking user rather than
// whatever -u named (--me wins if both are given).
func resolveUser(o *options) string {
	if o.Me {
		return currentUsername()
	}
	return o.User
}

// parseSignal resolves -s/--signal: empty means the default
// full-termination chain (encoded as 0); numeric or a bare name both
// accepted.
func parseSignal(s string) (int32, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return int32(n), nil
	}
	name := strings.ToUpper(strings.TrimPrefix(s, "SIG"))
	if n, ok := signalNames[name]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("unknown signal name %q", s)
}

var signalNames = map[string]int32{
	"HUP": 1, "INT": 2, "QUIT": 3, "KILL": 9, "TERM": 15,
	"USR1": 10, "USR2": 12, "CONT": 18, "STOP": 19,
}
