package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	// built-in modules register themselves in the default catalog
	_ "github.com/loykin/orkestr/internal/modules/heartbeat"
	_ "github.com/loykin/orkestr/internal/modules/watchdog"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Token      string
	User       string
	Password   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createSystemCommand(globalFlags),
		createHealthCommand(globalFlags),
		createEventsCommand(globalFlags),
		createModuleCommand(globalFlags),
		createProcessCommand(globalFlags),
		createAuthCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "orkestr",
		Short: "Module orchestration kernel",
		Long: `Orkestr loads pluggable modules, runs their autonomous processes on
independent timers and keeps them within CPU and memory quotas.

Examples:
  orkestr serve --config=orkestr.toml     # Start the kernel daemon
  orkestr status                          # Kernel overview
  orkestr module load heartbeat --set interval=10s
  orkestr process list --state=running
  orkestr process pause <process-id>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default http://127.0.0.1:8089/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon API request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon (e.g. tls_ca.crt)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("ORKESTR_TOKEN"), "bearer token from 'orkestr auth login' (env ORKESTR_TOKEN)")
	root.PersistentFlags().StringVar(&flags.User, "user", "", "username for basic auth")
	root.PersistentFlags().StringVar(&flags.Password, "password", "", "password for basic auth")
	return root
}
