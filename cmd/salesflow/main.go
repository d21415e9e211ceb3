package main

import (
	"fmt"
	"os"

	"github.com/caseyglarkin2-png/sales-agent-sub001/internal/cli"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/service"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "salesflow"}

func main() {
	// Workflows are registered by the embedding application; the bare binary
	// serves the operational surface only.
	registry := service.NewRegistry()
	cli.SetupCLI(rootCmd, registry)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
