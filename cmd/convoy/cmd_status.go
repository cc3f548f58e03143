package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/quayside/convoy/internal"
	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/diff"
	"github.com/quayside/convoy/internal/spec"
)

type StatusParams struct {
	GlobalSettings
	Deployment string
	Output     string
}

//go:embed cmd_status_help.txt
var statusHelp string

func init() {
	statusHelp = strings.TrimSpace(internal.Colorize(statusHelp))
}

func GetStatusParams(settings GlobalSettings, args []string) (*StatusParams, error) {
	flagset := flag.NewFlagSet("status", flag.ExitOnError)

	flagset.Usage = func() {
		fmt.Fprintln(flagset.Output(), statusHelp)
		flagset.PrintDefaults()
	}

	params := StatusParams{GlobalSettings: settings}

	RegisterGlobalFlags(flagset, &params.GlobalSettings)
	flagset.StringVar(&params.Output, "o", "table", "output format: table or yaml")

	flagset.Parse(args)

	params.Deployment = flagset.Arg(0)

	if params.Output != "table" && params.Output != "yaml" {
		return nil, fmt.Errorf("unknown output format %q: must be table or yaml", params.Output)
	}

	return &params, nil
}

type deploymentState struct {
	Name    string `yaml:"name"`
	Desired int    `yaml:"desired"`
	Total   int    `yaml:"total"`
	Ready   int    `yaml:"ready"`
	Updated int    `yaml:"updated"`
}

func Status(ctx context.Context, params StatusParams) error {
	ctx = internal.WithDebug(ctx, params.Debug)

	kube, err := cluster.NewKubeFromKubeConfig(params.KubeConfigPath, params.Namespace)
	if err != nil {
		return err
	}

	var specs []spec.DeploymentSpec
	if params.Deployment != "" {
		stored, err := kube.LoadSpec(ctx, params.Deployment)
		if err != nil {
			return err
		}
		specs = []spec.DeploymentSpec{stored}
	} else {
		if specs, err = kube.ListSpecs(ctx); err != nil {
			return err
		}
	}

	if len(specs) == 0 {
		return internal.Warningf("no deployments found in namespace %s", params.Namespace)
	}

	states := make([]deploymentState, len(specs))
	for i, deployment := range specs {
		pods, err := kube.ListPods(ctx, map[string]string{cluster.LabelDeployment: deployment.Name})
		if err != nil {
			return err
		}

		current, _ := diff.GroupByTemplate(pods, deployment.TemplateHash())

		states[i] = deploymentState{
			Name:    deployment.Name,
			Desired: int(deployment.Replicas),
			Total:   len(pods),
			Ready:   diff.CountReady(pods),
			Updated: len(current),
		}
	}

	if params.Output == "yaml" {
		encoder := yaml.NewEncoder(internal.Stdout(ctx))
		encoder.SetIndent(2)
		return encoder.Encode(states)
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleRounded)
	tbl.AppendHeader(table.Row{"deployment", "desired", "total", "ready", "updated"})
	for _, state := range states {
		tbl.AppendRow(table.Row{state.Name, state.Desired, state.Total, state.Ready, state.Updated})
	}

	_, err = fmt.Fprintln(internal.Stdout(ctx), tbl.Render())
	return err
}
