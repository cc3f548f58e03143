package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/davidmdm/x/xcontext"
	"github.com/quayside/convoy/internal"
	"github.com/quayside/convoy/internal/home"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		if internal.IsWarning(err) {
			return
		}
		os.Exit(1)
	}
}

//go:embed cmd_help.txt
var rootHelp string

func init() {
	rootHelp = strings.TrimSpace(internal.Colorize(rootHelp))
}

func run() error {
	ctx, done := xcontext.WithSignalCancelation(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	var settings GlobalSettings
	RegisterGlobalFlags(flag.CommandLine, &settings)

	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), rootHelp)
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr)
	}

	flag.Parse()

	if len(flag.Args()) == 0 {
		flag.Usage()
		return fmt.Errorf("no command provided")
	}

	subcmdArgs := flag.Args()[1:]

	switch cmd := flag.Arg(0); cmd {
	case "run", "up":
		{
			var source io.Reader
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				source = os.Stdin
			}
			params, err := GetRunParams(settings, source, subcmdArgs)
			if err != nil {
				return err
			}
			return Run(ctx, *params)
		}
	case "validate", "check":
		{
			var source io.Reader
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				source = os.Stdin
			}
			params, err := GetValidateParams(source, subcmdArgs)
			if err != nil {
				return err
			}
			return Validate(ctx, *params)
		}
	case "status":
		{
			params, err := GetStatusParams(settings, subcmdArgs)
			if err != nil {
				return err
			}
			return Status(ctx, *params)
		}
	case "diff":
		{
			var source io.Reader
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				source = os.Stdin
			}
			params, err := GetDiffParams(settings, source, subcmdArgs)
			if err != nil {
				return err
			}
			return Diff(ctx, *params)
		}
	case "version":
		{
			return Version()
		}
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

type GlobalSettings struct {
	KubeConfigPath string
	Namespace      string
	Debug          bool
}

func RegisterGlobalFlags(flagset *flag.FlagSet, settings *GlobalSettings) {
	flagset.StringVar(&settings.KubeConfigPath, "kubeconfig", home.Kubeconfig, "path to kube config")
	flagset.StringVar(&settings.Namespace, "namespace", "default", "namespace to manage pods in")
	flagset.BoolVar(&settings.Debug, "debug", false, "print debug timings and reconcile diagnostics")
}
