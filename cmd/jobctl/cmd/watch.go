package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream live job updates",
	Long: `Watch subscribes to a job's Server-Sent Events stream and prints
each update as it arrives. Exits when the job reaches a terminal state.

Example:
  jobctl watch 2f9c1d7e
  jobctl watch 2f9c1d7e --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	httpReq, err := CreateAuthenticatedRequest("GET",
		fmt.Sprintf("%s/jobs/%s/events", GetTrackerURL(), jobID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// no client timeout: the stream stays open until the job finishes
	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to tracker API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var view models.JobView
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &view); err != nil {
			continue
		}

		if IsJSONOutput() {
			fmt.Println(strings.TrimPrefix(line, "data: "))
		} else {
			printUpdate(&view)
		}

		if models.IsTerminalStatus(view.Status) {
			fmt.Printf("Job %s finished: %s\n", jobID, view.Status)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream closed: %w", err)
	}
	return nil
}

func printUpdate(view *models.JobView) {
	line := fmt.Sprintf("[%s] %s %.0f%%", view.TS.Format("15:04:05"), view.Status, view.Progress*100)
	if view.Phase != "" {
		line += " (" + view.Phase + ")"
	}
	if view.Error != "" {
		line += " error: " + view.Error
	}
	fmt.Println(line)
}
