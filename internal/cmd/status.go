package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/issuefs/issuefs/internal/config"
	"github.com/issuefs/issuefs/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status [mountpoint]",
	Short: "Show sync status of a mounted filesystem",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mountpoint := cfg.Mount.DefaultPath
	if len(args) > 0 {
		mountpoint = args[0]
	}
	if mountpoint == "" {
		return fmt.Errorf("mountpoint required: issuefs status /path/to/mount")
	}

	panel := &control.Panel{
		Mountpoint: mountpoint,
		ConfigPath: resolveConfigPath(),
		StorePath:  cfg.Cache.StorePath,
	}
	st := panel.Status()

	fmt.Printf("state:        %s\n", st.SyncState)
	fmt.Printf("mountpoint:   %s\n", st.Mountpoint)
	fmt.Printf("store:        %s\n", st.StorePath)
	fmt.Printf("last sync:    %s\n", humanizeTimestamp(st.LastSync))
	fmt.Printf("last full:    %s\n", humanizeTimestamp(st.LastFullSync))
	fmt.Printf("next sync in: %ds\n", st.SecondsToNextSync)
	for _, e := range st.Errors {
		fmt.Printf("error:        %s\n", e)
	}
	return nil
}

func humanizeTimestamp(v string) string {
	if v == "" || v == "never" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return v
	}
	return fmt.Sprintf("%s (%s)", v, humanize.Time(t))
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.PathWithEnv(os.Getenv)
}
