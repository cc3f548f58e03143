package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/quayside/convoy/internal"
)

type ValidateParams struct {
	Files fileList
	Input io.Reader
}

//go:embed cmd_validate_help.txt
var validateHelp string

func init() {
	validateHelp = strings.TrimSpace(internal.Colorize(validateHelp))
}

func GetValidateParams(source io.Reader, args []string) (*ValidateParams, error) {
	flagset := flag.NewFlagSet("validate", flag.ExitOnError)

	flagset.Usage = func() {
		fmt.Fprintln(flagset.Output(), validateHelp)
		flagset.PrintDefaults()
	}

	params := ValidateParams{Input: source}
	flagset.Var(&params.Files, "f", "manifest file to validate; may be repeated")
	flagset.Parse(args)

	if len(params.Files) == 0 && params.Input == nil {
		return nil, fmt.Errorf("at least one manifest is required: pass -f or pipe manifests via stdin")
	}

	return &params, nil
}

func Validate(ctx context.Context, params ValidateParams) error {
	specs, err := readManifestSources(params.Files, params.Input)
	if err != nil {
		return err
	}

	for _, deployment := range specs {
		fmt.Fprintf(internal.Stdout(ctx), "deployment %s: ok\n", deployment.Name)
	}

	return nil
}
