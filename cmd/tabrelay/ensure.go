package cli

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/supervise"
)

// EnsureCmd guarantees a relay of this version serves the port, spawning a
// detached instance when needed.
func EnsureCmd() *cobra.Command {
	var startTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Start the relay singleton if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			command := []string{exe, "serve", "--port", strconv.Itoa(cfg.Port)}
			if cfgFile != "" {
				command = append(command, "--config", cfgFile)
			}

			result, err := supervise.Ensure(cmd.Context(), supervise.Options{
				Host:         cfg.Host,
				Port:         cfg.Port,
				Version:      Version,
				Command:      command,
				LogFile:      cfg.LogFile,
				StartTimeout: startTimeout,
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}
	cmd.Flags().DurationVar(&startTimeout, "start-timeout", 15*time.Second, "how long to wait for the spawned relay")
	return cmd
}
