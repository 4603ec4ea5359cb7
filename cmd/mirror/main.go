package main

import (
	"log/slog"
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code. Cobra is
// told not to print errors, so they are logged here.
func execute(args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		return 1
	}
	return 0
}
