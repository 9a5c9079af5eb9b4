package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	workerFlags := &WorkerFlags{}
	thumbFlags := &ThumbFlags{}
	probeFlags := &ProbeFlags{}
	serveFlags := &ServeFlags{}

	c := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createWorkerCommand(c, workerFlags),
		createThumbCommand(c, thumbFlags),
		createProbeCommand(c, probeFlags),
		createServeCommand(c, serveFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "framegate",
		Short: "Crash-isolated media decoding for gallery applications",
		Long: `Framegate decodes media through a supervised worker process so that a
native decoder crash never takes the application down.

Examples:
  framegate probe /clips/a.mp4
  framegate thumb /clips/a.mp4 --out a.png
  framegate serve --listen :8077`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
