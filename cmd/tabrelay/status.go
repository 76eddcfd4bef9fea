package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/supervise"
)

// StatusCmd prints the running relay's extension status snapshot.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the extension status of the running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			baseURL := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
			status, err := supervise.FetchStatus(cmd.Context(), baseURL, 2*time.Second)
			if err != nil {
				return fmt.Errorf("relay not reachable on port %d: %w", cfg.Port, err)
			}
			return json.NewEncoder(os.Stdout).Encode(status)
		},
	}
}
