// Package control is the command surface exposed to supervisors (the
// desktop panel, the status subcommand, scripts). It talks to a running
// mount through the .sync_meta files and to the configuration on disk, so
// it works from outside the serving process.
package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/issuefs/issuefs/internal/config"
	syncpkg "github.com/issuefs/issuefs/internal/sync"
)

// TriggerKind selects which resync trigger to fire.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerFull   TriggerKind = "full"
)

// Trigger reasons, as fixed strings for supervisors to branch on.
const (
	ReasonAccepted              = "accepted"
	ReasonAlreadySyncing        = "already_syncing"
	ReasonServiceNotRunning     = "service_not_running"
	ReasonMountpointUnavailable = "mountpoint_unavailable"
	ReasonTriggerWriteFailed    = "trigger_write_failed"
)

// TriggerResult reports whether a sync trigger was accepted.
type TriggerResult struct {
	Accepted bool   `yaml:"accepted"`
	Reason   string `yaml:"reason"`
}

// Status is the supervisor-facing snapshot of the running service.
type Status struct {
	SyncState         string   `yaml:"sync_state"`
	Mountpoint        string   `yaml:"mountpoint"`
	StorePath         string   `yaml:"store_path"`
	LastSync          string   `yaml:"last_sync"`
	LastFullSync      string   `yaml:"last_full_sync"`
	SecondsToNextSync int      `yaml:"seconds_to_next_sync"`
	SyncInProgress    bool     `yaml:"sync_in_progress"`
	Errors            []string `yaml:"errors"`
}

// StatusFromMeta builds the status snapshot from a live sync engine. This
// is the in-process path used by an embedded control panel; out-of-process
// supervisors use Panel.Status over the mounted files instead, which cannot
// observe the degraded state or the per-workspace error list.
func StatusFromMeta(meta *syncpkg.Meta, mountpoint, storePath string, now time.Time) Status {
	st := Status{
		SyncState:         meta.State().String(),
		Mountpoint:        mountpoint,
		StorePath:         storePath,
		SecondsToNextSync: meta.SecondsToNextSync(now),
		SyncInProgress:    meta.InProgress(),
	}
	st.LastSync = formatMetaTime(meta.LastSync())
	st.LastFullSync = formatMetaTime(meta.LastFullSync())
	for _, e := range meta.Errors() {
		st.Errors = append(st.Errors, fmt.Sprintf("%s: %s", e.Workspace, e.Message))
	}
	sort.Strings(st.Errors)
	return st
}

func formatMetaTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// WorkspaceEntry is one configured workspace for get/save.
type WorkspaceEntry struct {
	Name  string `yaml:"name"`
	Query string `yaml:"query"`
}

// QueryValidator checks a workspace query against the tracker.
type QueryValidator interface {
	ValidateQuery(ctx context.Context, query string) error
}

var workspaceNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Panel is the control surface bound to one mountpoint and config file.
type Panel struct {
	Mountpoint string
	ConfigPath string
	StorePath  string
	Validator  QueryValidator
}

func (p *Panel) metaPath(name string) string {
	return filepath.Join(p.Mountpoint, ".sync_meta", name)
}

func (p *Panel) readMeta(name string) (string, error) {
	data, err := os.ReadFile(p.metaPath(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Status reads the sync-meta files from the mount. A missing mount
// reports state "stopped" with an explanatory error entry.
func (p *Panel) Status() Status {
	st := Status{
		Mountpoint: p.Mountpoint,
		StorePath:  p.StorePath,
		SyncState:  "stopped",
	}

	if _, err := os.Stat(p.metaPath(metaSyncInProgress)); err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("mount not available: %v", err))
		return st
	}

	if v, err := p.readMeta(metaLastSync); err == nil {
		st.LastSync = v
	}
	if v, err := p.readMeta(metaLastFullSync); err == nil {
		st.LastFullSync = v
	}
	if v, err := p.readMeta(metaSecondsToNextSync); err == nil {
		if secs, err := strconv.Atoi(v); err == nil {
			st.SecondsToNextSync = secs
		}
	}
	if v, err := p.readMeta(metaSyncInProgress); err == nil {
		st.SyncInProgress = v == "1"
	}

	if st.SyncInProgress {
		st.SyncState = "syncing"
	} else {
		st.SyncState = "running"
	}
	return st
}

// TriggerSync fires the manual or full resync trigger through the mounted
// control file.
func (p *Panel) TriggerSync(kind TriggerKind) TriggerResult {
	if _, err := os.Stat(p.Mountpoint); err != nil {
		return TriggerResult{Reason: ReasonMountpointUnavailable}
	}
	if _, err := os.Stat(filepath.Join(p.Mountpoint, ".sync_meta")); err != nil {
		return TriggerResult{Reason: ReasonServiceNotRunning}
	}

	if v, err := p.readMeta(metaSyncInProgress); err == nil && v == "1" {
		return TriggerResult{Reason: ReasonAlreadySyncing}
	}

	name := metaManualRefresh
	if kind == TriggerFull {
		name = metaFullRefresh
	}
	if err := os.WriteFile(p.metaPath(name), []byte("1\n"), 0200); err != nil {
		return TriggerResult{Reason: ReasonTriggerWriteFailed}
	}
	return TriggerResult{Accepted: true, Reason: ReasonAccepted}
}

// GetWorkspaces reads the configured workspaces, sorted by name.
func (p *Panel) GetWorkspaces() ([]WorkspaceEntry, error) {
	cfg, err := config.LoadFile(p.ConfigPath, os.Getenv)
	if err != nil {
		return nil, err
	}
	entries := make([]WorkspaceEntry, 0, len(cfg.Workspaces))
	for name, ws := range cfg.Workspaces {
		entries = append(entries, WorkspaceEntry{Name: name, Query: ws.Query})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// SaveWorkspaces validates and persists a new workspace set. Every query
// is checked against the tracker before anything is written.
func (p *Panel) SaveWorkspaces(ctx context.Context, entries []WorkspaceEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("at least one workspace is required")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !workspaceNameRe.MatchString(e.Name) {
			return fmt.Errorf("invalid workspace name %q", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate workspace name %q", e.Name)
		}
		seen[e.Name] = true
		if e.Query == "" {
			return fmt.Errorf("workspace %q has an empty query", e.Name)
		}
		if p.Validator != nil {
			if err := p.Validator.ValidateQuery(ctx, e.Query); err != nil {
				return fmt.Errorf("workspace %q: %w", e.Name, err)
			}
		}
	}

	cfg, err := config.LoadFile(p.ConfigPath, os.Getenv)
	if err != nil {
		return err
	}
	cfg.Workspaces = make(map[string]config.Workspace, len(entries))
	for _, e := range entries {
		cfg.Workspaces[e.Name] = config.Workspace{Query: e.Query}
	}
	return cfg.Save(p.ConfigPath)
}

// Sync-meta file names, mirrored from the filesystem layer.
const (
	metaLastSync          = "last_sync"
	metaLastFullSync      = "last_full_sync"
	metaSecondsToNextSync = "seconds_to_next_sync"
	metaSyncInProgress    = "sync_in_progress"
	metaManualRefresh     = "manual_refresh"
	metaFullRefresh       = "full_refresh"
)
