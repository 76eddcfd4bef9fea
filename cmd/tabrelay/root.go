package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/config"
)

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tabrelay",
		Short: "TabRelay - CDP relay for extension-held browser tabs",
		Long: `TabRelay bridges CDP clients to a browser extension that holds
page-level debugger attachments in a running browser.

Automation libraries connect to the relay's /cdp endpoint as if it were a
browser; the extension does the actual page work. Run 'tabrelay ensure' to
bring up (or discover) the singleton instance for this version, then click
the extension on a tab and drive it.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file overriding the environment")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "bind/probe host (default 127.0.0.1)")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "relay port (default 19988)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(EnsureCmd())
	rootCmd.AddCommand(WaitExtensionCmd())
	rootCmd.AddCommand(StatusCmd())
	return rootCmd
}

// loadConfig resolves env + file configuration, then applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}
