package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/voxbatch/voxbatch/pkg/models"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "List batch sessions or show one session's jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showSession(args[0])
		}
		return listSessions()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func listSessions() error {
	var sessions []*models.BatchSession
	if err := getJSON("/sessions", &sessions); err != nil {
		return err
	}

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(sessions)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Status", "Jobs", "Done", "Failed", "Created")

	for _, session := range sessions {
		done, failed := 0, 0
		for _, job := range session.Jobs {
			switch job.Status {
			case models.JobStatusCompleted:
				done++
			case models.JobStatusFailed:
				failed++
			}
		}
		table.Append(
			session.ID[:8],
			session.Name,
			string(session.Status),
			fmt.Sprintf("%d", len(session.Jobs)),
			fmt.Sprintf("%d", done),
			fmt.Sprintf("%d", failed),
			session.CreatedAt.Format(time.RFC3339),
		)
	}

	table.Render()
	return nil
}

func showSession(id string) error {
	var session models.BatchSession
	if err := getJSON("/sessions/"+id, &session); err != nil {
		return err
	}

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(&session)
	}

	fmt.Printf("Session %s (%s): %s\n\n", session.ID, session.Name, session.Status)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job", "Source", "Status", "Progress", "Stage", "Retries", "Error")

	for _, job := range session.Jobs {
		table.Append(
			job.ID,
			job.SourceRef,
			string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			job.Stage,
			fmt.Sprintf("%d", job.RetryCount),
			job.Error,
		)
	}

	table.Render()
	return nil
}
