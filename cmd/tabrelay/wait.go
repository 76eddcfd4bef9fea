package cli

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/supervise"
)

// WaitExtensionCmd blocks until the extension is connected with at least one
// page, the human-gated half of bring-up.
func WaitExtensionCmd() *cobra.Command {
	var (
		timeout      time.Duration
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait-extension",
		Short: "Wait until the browser extension has attached a page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			status, err := supervise.WaitForExtension(cmd.Context(), supervise.WaitOptions{
				Host:         cfg.Host,
				Port:         cfg.Port,
				Timeout:      timeout,
				PollInterval: pollInterval,
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(status)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "give up after this long")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 500*time.Millisecond, "status poll interval")
	return cmd
}
