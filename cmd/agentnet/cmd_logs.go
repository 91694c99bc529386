package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/control"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Print an agent's log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := control.LogPath(runtimeDir, args[0])
		f, err := os.Open(path)
		if err != nil {
			return operatorErr(fmt.Errorf("no log for agent %q: %w", args[0], err))
		}
		defer f.Close()

		if _, err := io.Copy(os.Stdout, f); err != nil {
			return err
		}
		if !logsFollow {
			return nil
		}
		return followLog(cmd, f, path)
	},
}

// followLog streams appended data until interrupted, waking on fsnotify
// write events.
func followLog(cmd *cobra.Command, f *os.File, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				if _, err := io.Copy(os.Stdout, f); err != nil {
					return err
				}
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming appended log lines")
	rootCmd.AddCommand(logsCmd)
}
