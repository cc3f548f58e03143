// Package text renders unified diffs between YAML documents for the diff
// command.
package text

import (
	"bytes"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"github.com/davidmdm/ansi"
)

type DiffFunc func(stored, next File, context int) string

// File is a named document to diff. The name becomes the diff header.
type File struct {
	Name    string
	Content string
}

// Diff renders a unified diff from the stored document to the next one.
// Identical content renders as the empty string.
func Diff(stored, next File, context int) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(stored.Content),
		B:        difflib.SplitLines(next.Content),
		FromFile: stored.Name,
		ToFile:   next.Name,
		Context:  context,
	})
	return diff
}

// DiffColorized is Diff with additions in green and removals in red.
func DiffColorized(stored, next File, context int) string {
	var out strings.Builder
	for i, line := range strings.Split(Diff(stored, next, context), "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		switch {
		case strings.HasPrefix(line, "+"):
			out.WriteString(green.Sprint(line))
		case strings.HasPrefix(line, "-"):
			out.WriteString(red.Sprint(line))
		default:
			out.WriteString(line)
		}
	}
	return out.String()
}

var (
	green = ansi.MakeStyle(ansi.FgGreen)
	red   = ansi.MakeStyle(ansi.FgRed)
)

// ToYamlFile renders any value as a named YAML document.
func ToYamlFile(name string, value any) (File, error) {
	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	err := encoder.Encode(value)
	return File{Name: name, Content: buffer.String()}, err
}
