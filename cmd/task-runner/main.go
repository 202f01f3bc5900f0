package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "task-runner",
		Short: "Claude Task Runner - Supervised coding-agent job execution",
		Long: `Claude Task Runner turns requirement files into supervised agent jobs.
It queues jobs per batch, polls the agent process for status, threads
session conversations across jobs, and survives restarts through a
recovery snapshot.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
