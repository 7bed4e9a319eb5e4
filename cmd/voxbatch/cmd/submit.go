package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxbatch/voxbatch/pkg/api"
	"github.com/voxbatch/voxbatch/pkg/models"
)

var (
	submitName     string
	submitModel    string
	submitLanguage string
	submitDevice   string
	submitAnalyze  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <media-file> [media-file...]",
	Short: "Submit a batch session of transcription jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := models.ModelProfile{
			Size:     submitModel,
			Language: submitLanguage,
			Device:   submitDevice,
		}

		req := api.CreateSessionRequest{Name: submitName}
		for _, source := range args {
			req.Jobs = append(req.Jobs, models.JobSpec{
				SourceRef: source,
				Profile:   profile,
				Analyze:   submitAnalyze,
			})
		}

		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := postJSON("/sessions", bytes.NewReader(body), &result); err != nil {
			return err
		}

		fmt.Printf("Session submitted: %s (%d jobs)\n", result.ID, len(req.Jobs))
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitName, "name", "batch", "session name")
	submitCmd.Flags().StringVar(&submitModel, "model", "base", "model size (base, small, large-v3)")
	submitCmd.Flags().StringVar(&submitLanguage, "language", "auto", "transcription language")
	submitCmd.Flags().StringVar(&submitDevice, "device", "cpu", "model device")
	submitCmd.Flags().BoolVar(&submitAnalyze, "analyze", true, "derive keywords and questions")
	rootCmd.AddCommand(submitCmd)
}
