package ir

import (
	"fmt"
	"runtime"

	"github.com/zond/e3"
	"rogchap.com/v8go"

	goccy "github.com/goccy/go-json"
)

// JavaScript IR sources must evaluate to a function taking the input path
// array and the output path, returning the argument vector. Evaluation runs
// on a fixed pool of isolates.

var machines chan *machine

func init() {
	machines = make(chan *machine, runtime.NumCPU())
	for i := 0; i < runtime.NumCPU(); i++ {
		machines <- &machine{}
	}
}

type machine struct {
	iso  *v8go.Isolate
	vctx *v8go.Context
}

func (m *machine) context() *v8go.Context {
	if m.vctx == nil {
		m.iso = v8go.NewIsolate()
		m.vctx = v8go.NewContext(m.iso)
	}
	return m.vctx
}

func compileJS(source string) (*Command, error) {
	return &Command{
		args: func(inputs []string, output string) ([]string, error) {
			m := <-machines
			defer func() { machines <- m }()

			if inputs == nil {
				inputs = []string{}
			}
			inputsJSON, err := goccy.Marshal(inputs)
			if err != nil {
				return nil, e3.WithStack(err)
			}
			outputJSON, err := goccy.Marshal(output)
			if err != nil {
				return nil, e3.WithStack(err)
			}
			script := fmt.Sprintf("JSON.stringify((%s)(%s, %s))", source, inputsJSON, outputJSON)
			value, err := m.context().RunScript(script, "commandir.js")
			if err != nil {
				return nil, e3.Wrapf(e3.DataflowError, err, "evaluating command IR")
			}
			argv := []string{}
			if err := goccy.Unmarshal([]byte(value.String()), &argv); err != nil {
				return nil, e3.Wrapf(e3.DataflowError, err, "command IR did not return an argument vector")
			}
			return argv, nil
		},
	}, nil
}
