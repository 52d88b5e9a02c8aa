package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hherb/bmlibrarian-orchestrator/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "bmlorch",
	Short: "Durable task queue and workflow orchestrator for bmlibrarian agents",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
