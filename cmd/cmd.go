// Package cmd provides list of commands
package cmd

import (
	"github.com/relex/gotils/config"
)

func init() {
	config.AddParentCmdWithArgs("", "slog-relay accepts log lines over TCP, buffers and forwards them to a fluentd upstream", &rootCmd, rootCmd.preRun, rootCmd.postRun)
	config.AddCmdWithArgs("run ...", "Run relay", &runCmd, runCmd.run)
	config.AddCmdWithArgs("check-source <invocation>", "Validate a source invocation, e.g. 'queueSource(5170, truncate=true)'", &checkSourceCmd, checkSourceCmd.run)
}

// Execute parses the command line and runs the specified command
func Execute() {
	// trigger init

	config.Execute()
}
