package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/quayside/convoy/internal"
	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/reconcile"
	"github.com/quayside/convoy/internal/spec"
	"github.com/quayside/convoy/pkg/convoy"
)

type RunParams struct {
	GlobalSettings
	Files      fileList
	Input      io.Reader
	Backend    string
	Watch      bool
	ReadyDelay time.Duration
}

//go:embed cmd_run_help.txt
var runHelp string

func init() {
	runHelp = strings.TrimSpace(internal.Colorize(runHelp))
}

func GetRunParams(settings GlobalSettings, source io.Reader, args []string) (*RunParams, error) {
	flagset := flag.NewFlagSet("run", flag.ExitOnError)

	flagset.Usage = func() {
		fmt.Fprintln(flagset.Output(), runHelp)
		flagset.PrintDefaults()
	}

	params := RunParams{GlobalSettings: settings, Input: source}

	RegisterGlobalFlags(flagset, &params.GlobalSettings)

	flagset.Var(&params.Files, "f", "manifest file to reconcile; may be repeated")
	flagset.StringVar(&params.Backend, "backend", "kube", "pod backend: kube or memory")
	flagset.BoolVar(&params.Watch, "watch", false, "stream status transitions while reconciling")
	flagset.DurationVar(&params.ReadyDelay, "ready-delay", time.Second, "simulated pod readiness delay (memory backend only)")

	flagset.Parse(args)

	if len(params.Files) == 0 && params.Input == nil {
		return nil, fmt.Errorf("at least one manifest is required: pass -f or pipe manifests via stdin")
	}

	return &params, nil
}

func Run(ctx context.Context, params RunParams) error {
	ctx = internal.WithDebug(ctx, params.Debug)

	specs, err := readManifestSources(params.Files, params.Input)
	if err != nil {
		return err
	}

	opts, err := convoy.OptionsFromEnviron()
	if err != nil {
		return fmt.Errorf("failed to read engine options: %w", err)
	}

	var (
		backend cluster.Cluster
		kube    *cluster.Kube
	)
	switch params.Backend {
	case "memory":
		memory := cluster.NewMemory()
		memory.ReadyDelay = params.ReadyDelay
		backend = memory
	case "kube":
		kube, err = cluster.NewKubeFromKubeConfig(params.KubeConfigPath, params.Namespace)
		if err != nil {
			return err
		}
		backend = kube
	default:
		return fmt.Errorf("unknown backend %q: must be kube or memory", params.Backend)
	}

	engine := convoy.New(backend, opts)

	for _, deployment := range specs {
		if _, err := engine.Apply(deployment); err != nil {
			return err
		}
		if kube != nil {
			if err := kube.SaveSpec(ctx, deployment); err != nil {
				return fmt.Errorf("failed to store spec for %q: %w", deployment.Name, err)
			}
		}
		fmt.Fprintf(internal.Stdout(ctx), "accepted deployment %s (%d replicas)\n", deployment.Name, deployment.Replicas)
	}

	if params.Watch {
		go watchStatuses(ctx, engine)
	}

	return engine.Run(ctx)
}

// watchStatuses prints a line whenever a deployment changes phase or replica
// counts.
func watchStatuses(ctx context.Context, engine *convoy.Engine) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	last := make(map[string]string)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, status := range engine.Statuses() {
				line := formatStatus(status)
				if last[status.Deployment] == line {
					continue
				}
				last[status.Deployment] = line
				fmt.Fprintln(internal.Stdout(ctx), line)
			}
		}
	}
}

func formatStatus(status reconcile.Status) string {
	line := fmt.Sprintf(
		"%s: %s ready=%d/%d total=%d updated=%d",
		status.Deployment, status.Phase,
		status.ReadyPods, status.DesiredReplicas,
		status.TotalPods, status.UpdatedPods,
	)
	for _, condition := range status.Conditions {
		if condition.Active && condition.Type != reconcile.ConditionAvailable {
			line += " " + condition.Type
		}
	}
	return line
}

// fileList accumulates repeated -f flags.
type fileList []string

func (files *fileList) String() string { return strings.Join(*files, ",") }

func (files *fileList) Set(value string) error {
	*files = append(*files, value)
	return nil
}

// readManifestSources decodes deployment specs from the given files and, if
// present, from stdin.
func readManifestSources(files fileList, input io.Reader) ([]spec.DeploymentSpec, error) {
	var specs []spec.DeploymentSpec

	for _, path := range files {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", err)
		}
		decoded, err := spec.ReadManifests(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		specs = append(specs, decoded...)
	}

	// Stdin is only consulted when no files are named.
	if len(files) == 0 && input != nil {
		decoded, err := spec.ReadManifests(input)
		if err != nil {
			return nil, fmt.Errorf("stdin: %w", err)
		}
		specs = append(specs, decoded...)
	}

	return specs, nil
}
