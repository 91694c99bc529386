package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List known agents with status, pid, uptime and peer port",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := discover()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no agents known; run `agentnet start <config.yaml>` first")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tPID\tUPTIME\tPEER-PORT")
		for _, rec := range records {
			status := string(rec.Status)
			uptime := "-"

			// A live probe beats the persisted status: the spawning
			// process may be long gone.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			reply, err := control.NewClient(rec.SocketPath).Health(ctx)
			cancel()
			switch {
			case err == nil:
				status, _ = reply["status"].(string)
				if status == "ready" {
					status = "running"
				}
				if s, ok := reply["uptime_s"].(float64); ok {
					uptime = (time.Duration(s) * time.Second).String()
				}
			case rec.Status == "running":
				status = "stopped"
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", rec.Name, status, rec.PID, uptime, rec.Port)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
