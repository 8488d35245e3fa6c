// Package ir compiles command IR objects into argument vectors. The engine
// treats the IR as opaque: compilation yields a pure function from input and
// output file paths to the argv a runner executes.
package ir

import (
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/zond/e3"
	"github.com/zond/e3/structs"
)

// Command is a compiled IR program.
type Command struct {
	args func(inputs []string, output string) ([]string, error)
}

// Args evaluates the program against concrete file paths.
func (c *Command) Args(inputs []string, output string) ([]string, error) {
	argv, err := c.args(inputs, output)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, e3.Errf(e3.DataflowError, "command compiled to an empty argument vector")
	}
	return argv, nil
}

// Compile prepares a CommandIR for evaluation.
func Compile(cmd *structs.CommandIR) (*Command, error) {
	switch cmd.Lang {
	case structs.CommandLangJS:
		return compileJS(cmd.Source)
	case structs.CommandLangShell:
		return compileShell(cmd.Source)
	}
	return nil, e3.Errf(e3.DataflowError, "unknown command IR language %q", cmd.Lang)
}

// compileShell splits a command template into words and substitutes `$out`
// and `$inN` placeholders at evaluation time.
func compileShell(source string) (*Command, error) {
	words, err := shellwords.SplitPosix(strings.TrimSpace(source))
	if err != nil {
		return nil, e3.Wrapf(e3.DataflowError, err, "splitting command template")
	}
	if len(words) == 0 {
		return nil, e3.Errf(e3.DataflowError, "empty command template")
	}
	return &Command{
		args: func(inputs []string, output string) ([]string, error) {
			argv := make([]string, len(words))
			for i, word := range words {
				// Substitute higher indexes first so $in1 never clobbers
				// the prefix of $in12.
				for j := len(inputs) - 1; j >= 0; j-- {
					word = strings.ReplaceAll(word, "$in"+strconv.Itoa(j), inputs[j])
				}
				argv[i] = strings.ReplaceAll(word, "$out", output)
			}
			return argv, nil
		},
	}, nil
}
