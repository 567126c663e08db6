package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// executeCommand executes a cobra command and returns its output and the
// exit code a real run would have ended with (0 when exit was not
// called).
func executeCommand(root *cobra.Command, args ...string) (string, int, error) {
	resetFlags(root)

	code := 0
	oldExit := exit
	exit = func(c int) {
		code = c
		if c != 0 {
			panic(fmt.Sprintf("exit-%d", c))
		}
	}
	defer func() { exit = oldExit }()

	b := new(bytes.Buffer)
	root.SetArgs(args)
	root.SetOut(b)
	root.SetErr(b)
	// Mock Stdin to avoid hanging on interactive prompts
	root.SetIn(bytes.NewBufferString(""))

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(string); ok && strings.HasPrefix(s, "exit-") {
					// An expected exit; swallow it.
					return
				}
				panic(r)
			}
		}()
		err = root.Execute()
	}()
	return b.String(), code, err
}

// resetFlags resets all flags to their default values.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
