package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/quayside/convoy/internal"
	"github.com/quayside/convoy/internal/cluster"
	"github.com/quayside/convoy/internal/text"
)

type DiffParams struct {
	GlobalSettings
	Files   fileList
	Input   io.Reader
	Context int
	Color   bool
}

//go:embed cmd_diff_help.txt
var diffHelp string

func init() {
	diffHelp = strings.TrimSpace(internal.Colorize(diffHelp))
}

func GetDiffParams(settings GlobalSettings, source io.Reader, args []string) (*DiffParams, error) {
	flagset := flag.NewFlagSet("diff", flag.ExitOnError)

	flagset.Usage = func() {
		fmt.Fprintln(flagset.Output(), diffHelp)
		flagset.PrintDefaults()
	}

	params := DiffParams{GlobalSettings: settings, Input: source}

	RegisterGlobalFlags(flagset, &params.GlobalSettings)
	flagset.Var(&params.Files, "f", "manifest file to compare; may be repeated")
	flagset.IntVar(&params.Context, "context", 4, "number of lines of context in diff")
	flagset.BoolVar(&params.Color, "color", term.IsTerminal(int(os.Stdout.Fd())), "use colored output in diffs")

	flagset.Parse(args)

	if len(params.Files) == 0 && params.Input == nil {
		return nil, fmt.Errorf("at least one manifest is required: pass -f or pipe manifests via stdin")
	}

	return &params, nil
}

// Diff compares manifests against the declared state stored in the cluster:
// what "convoy run" would change if invoked with these manifests now.
func Diff(ctx context.Context, params DiffParams) error {
	ctx = internal.WithDebug(ctx, params.Debug)

	specs, err := readManifestSources(params.Files, params.Input)
	if err != nil {
		return err
	}

	kube, err := cluster.NewKubeFromKubeConfig(params.KubeConfigPath, params.Namespace)
	if err != nil {
		return err
	}

	differ := func() text.DiffFunc {
		if params.Color {
			return text.DiffColorized
		}
		return text.Diff
	}()

	for _, deployment := range specs {
		stored, err := kube.LoadSpec(ctx, deployment.Name)
		if err != nil {
			return err
		}

		a, err := text.ToYamlFile("stored", stored)
		if err != nil {
			return err
		}

		b, err := text.ToYamlFile("next", deployment)
		if err != nil {
			return err
		}

		if _, err := fmt.Fprint(internal.Stdout(ctx), differ(a, b, params.Context)); err != nil {
			return err
		}
	}

	return nil
}
