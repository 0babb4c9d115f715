// SPDX-License-Identifier: MIT

package configure

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/relaydaemon/rtmprelay/internal/config"
)

// RunSetupWizard walks the operator through authoring a new config.Config
// via an interactive huh.Form and saves it to path. It returns the config
// that was written.
func RunSetupWizard(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	workersStr := strconv.Itoa(cfg.Workers)
	maxQueueStr := strconv.Itoa(cfg.Queue.MaxQueue)
	minQueueStr := strconv.Itoa(cfg.Queue.MinQueue)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Sink URL").
				Description("RTMP ingest endpoint clips are relayed to").
				Placeholder("rtmp://ingest.example/live/key").
				Value(&cfg.SinkURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("sink URL is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Playlist URL").
				Description("Remote HTTP(S) source of candidate stream URLs").
				Placeholder("http://playlist.example/list.m3u8").
				Value(&cfg.PlaylistURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("playlist URL is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Blocklist path").
				Description("Optional path to a file of substrings; source URLs containing any of them are excluded").
				Value(&cfg.BlocklistPath),
			huh.NewInput().
				Title("Buffer directory").
				Value(&cfg.BufferDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Capture workers").
				Value(&workersStr).
				Validate(positiveInt),
			huh.NewInput().
				Title("Max queued clips").
				Value(&maxQueueStr).
				Validate(positiveInt),
			huh.NewInput().
				Title("Min queued clips (resume threshold)").
				Value(&minQueueStr).
				Validate(positiveInt),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup wizard aborted: %w", err)
	}

	workers, _ := strconv.Atoi(workersStr)
	maxQueue, _ := strconv.Atoi(maxQueueStr)
	minQueue, _ := strconv.Atoi(minQueueStr)
	cfg.Workers = workers
	cfg.Queue.MaxQueue = maxQueue
	cfg.Queue.MinQueue = minQueue

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated configuration is invalid: %w", err)
	}

	if _, err := config.BackupBeforeSave(cfg, path, config.GetBackupDir(path)); err != nil {
		return nil, fmt.Errorf("saving config to %q: %w", path, err)
	}

	return cfg, nil
}

// runRestoreBackup lets the operator pick a backup off disk and restores it
// over configPath, backing up whatever is currently there first.
func runRestoreBackup(configPath string) error {
	backupDir := config.GetBackupDir(configPath)
	backups, err := config.ListBackups(backupDir, filepath.Base(configPath))
	if err != nil {
		return fmt.Errorf("listing backups in %q: %w", backupDir, err)
	}
	if len(backups) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "no backups found")
		WaitForKey(os.Stdin, os.Stdout, "")
		return nil
	}

	labels := make([]string, len(backups))
	for i, b := range backups {
		labels[i] = fmt.Sprintf("%s  %s", b.Timestamp.Format("2006-01-02T15:04:05"), b.Name)
	}
	choice := Select(os.Stdin, os.Stdout, "Restore which backup?", labels)
	if choice < 0 {
		return nil
	}

	if !Confirm(os.Stdin, os.Stdout, fmt.Sprintf("Overwrite %s with %s?", configPath, backups[choice].Name)) {
		return nil
	}

	if _, err := config.RestoreBackup(backups[choice].Path, configPath, backupDir); err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "restored %s from %s\n", configPath, backups[choice].Name)
	WaitForKey(os.Stdin, os.Stdout, "")
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// CreateMainMenu builds the top-level rtmprelay-configure menu: run the
// setup wizard, validate an existing config, drop into $EDITOR, list config
// backups, or restore one.
func CreateMainMenu(configPath string) *Menu {
	menu := New("rtmprelay configure")

	menu.AddItem(MenuItem{
		Key:   "1",
		Label: "Run setup wizard",
		Action: func() error {
			_, err := RunSetupWizard(configPath)
			return err
		},
	})

	menu.AddItem(MenuItem{
		Key:   "2",
		Label: "Validate configuration",
		Action: func() error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "%s is valid: sink=%s workers=%d\n", configPath, cfg.SinkURL, cfg.Workers)
			WaitForKey(os.Stdin, os.Stdout, "")
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key:   "3",
		Label: "Edit config file",
		Action: func() error {
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "nano"
			}
			return RunCommand(os.Stdout, editor, configPath)
		},
	})

	menu.AddItem(MenuItem{
		Key:   "4",
		Label: "List config backups",
		Action: func() error {
			backups, err := config.ListBackups(config.GetBackupDir(configPath), filepath.Base(configPath))
			if err != nil {
				return err
			}
			for _, b := range backups {
				_, _ = fmt.Fprintf(os.Stdout, "%s  %s\n", b.Timestamp.Format("2006-01-02T15:04:05"), b.Path)
			}
			WaitForKey(os.Stdin, os.Stdout, "")
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key:   "5",
		Label: "Restore config from backup",
		Action: func() error {
			return runRestoreBackup(configPath)
		},
	})

	menu.AddSeparator()

	menu.AddItem(MenuItem{
		Key:    "0",
		Label:  "Exit",
		Action: nil,
	})

	return menu
}
