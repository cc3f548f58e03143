// Package home resolves user-level defaults for the CLI.
package home

import (
	"os"
	"path/filepath"
)

// Kubeconfig is the default kubeconfig path, overridable per invocation
// with the -kubeconfig flag.
var Kubeconfig = filepath.Join(dir(), ".kube", "config")

func dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return home
}
