package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/issuefs/issuefs/internal/cache"
	"github.com/issuefs/issuefs/internal/config"
	issuefsfs "github.com/issuefs/issuefs/internal/fs"
	"github.com/issuefs/issuefs/internal/store"
	syncpkg "github.com/issuefs/issuefs/internal/sync"
	"github.com/issuefs/issuefs/internal/tracker"
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the issue filesystem",
	Long:  `Mount the configured workspaces at the specified mountpoint.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mountpoint := cfg.Mount.DefaultPath
	if len(args) > 0 {
		mountpoint = args[0]
	}
	if mountpoint == "" {
		return fmt.Errorf("mountpoint required: issuefs mount /path/to/mount")
	}
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("failed to create mountpoint: %w", err)
	}

	debug, _ := cmd.Root().PersistentFlags().GetBool("debug")

	st, err := store.Open(cfg.Cache.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	client := tracker.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token)
	memCache := cache.New(st, cfg.Cache.TTL)

	workspaces := make(map[string]string, len(cfg.Workspaces))
	for name, ws := range cfg.Workspaces {
		workspaces[name] = ws.Query
	}

	engine := syncpkg.New(client, memCache, st, workspaces, syncpkg.Config{
		Interval:             cfg.Sync.Interval,
		Budget:               cfg.Sync.Budget,
		MaxConcurrentFetches: cfg.Sync.MaxConcurrentFetches,
		PageSize:             cfg.Sync.PageSize,
		CommentsInlineLimit:  cfg.Render.CommentsInlineLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm start and background sync begin before the mount is visible.
	engine.Start(ctx)

	ifs := issuefsfs.New(memCache, engine, cfg.WorkspaceNames())
	server, err := issuefsfs.Mount(mountpoint, ifs, debug)
	if err != nil {
		engine.Stop()
		st.Close()
		return fmt.Errorf("failed to mount: %w", err)
	}

	logrus.WithField("mountpoint", mountpoint).Info("filesystem mounted")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("unmounting")
		server.Unmount()
	}()

	server.Wait()

	cancel()
	engine.Stop()
	if err := st.Close(); err != nil {
		logrus.Warnf("store close: %v", err)
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath, os.Getenv)
	}
	return config.Load()
}
