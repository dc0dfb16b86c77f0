package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

var (
	// Job submit flags
	manifestFile string
	jobEngine    string
	mediaID      string
	jobTitle     string
	jobPurpose   string
	jobInputs    []string
	noLaunch     bool

	// Job status flags
	followStatus bool

	// Cancel flags
	cancelReason string

	// Replay flags
	replayForce bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
	Long:  `Commands for submitting, inspecting, and managing media processing jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long:  `Submit a job manifest to the tracker and launch it. The manifest can come from a YAML file (--manifest) or be assembled from flags.`,
	RunE:  runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Retrieve the public view of a job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Request cancellation of a job. Cancellation is sticky: later container reports cannot override it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsReplayCmd = &cobra.Command{
	Use:   "replay <job-id>",
	Short: "Replay a job's terminal webhook",
	Long:  `Force a fresh terminal notification with a new event sequence. The receiving application sees it as a new event.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsReplay,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsReplayCmd)

	jobsSubmitCmd.Flags().StringVar(&manifestFile, "manifest", "", "YAML manifest file")
	jobsSubmitCmd.Flags().StringVar(&jobEngine, "engine", "", "engine: downloader, subtitle-burner, template-renderer, asr-pipeline")
	jobsSubmitCmd.Flags().StringVar(&mediaID, "media-id", "", "media identifier")
	jobsSubmitCmd.Flags().StringVar(&jobTitle, "title", "", "human-readable title")
	jobsSubmitCmd.Flags().StringVar(&jobPurpose, "purpose", "", "why the job was started")
	jobsSubmitCmd.Flags().StringSliceVar(&jobInputs, "input", nil, "input slot=key pairs (repeatable)")
	jobsSubmitCmd.Flags().BoolVar(&noLaunch, "no-launch", false, "store the manifest without launching")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until terminal")

	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason recorded on the job")

	jobsReplayCmd.Flags().BoolVar(&replayForce, "force", false, "replay even if the job is not terminal")
}

type submitRequest struct {
	JobID   string            `json:"job_id,omitempty"`
	MediaID string            `json:"media_id,omitempty"`
	Title   string            `json:"title,omitempty"`
	Engine  string            `json:"engine"`
	Purpose string            `json:"purpose,omitempty"`
	Inputs  map[string]string `json:"inputs,omitempty"`
	Options map[string]string `json:"options,omitempty"`
	Launch  *bool             `json:"launch,omitempty"`
}

func buildSubmitRequest() (*submitRequest, error) {
	req := &submitRequest{}

	if manifestFile != "" {
		data, err := os.ReadFile(manifestFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		if err := yaml.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
	}

	if jobEngine != "" {
		req.Engine = jobEngine
	}
	if mediaID != "" {
		req.MediaID = mediaID
	}
	if jobTitle != "" {
		req.Title = jobTitle
	}
	if jobPurpose != "" {
		req.Purpose = jobPurpose
	}
	for _, pair := range jobInputs {
		slot, key, ok := splitPair(pair)
		if !ok {
			return nil, fmt.Errorf("invalid --input %q, expected slot=key", pair)
		}
		if req.Inputs == nil {
			req.Inputs = make(map[string]string)
		}
		req.Inputs[slot] = key
	}

	if req.Engine == "" {
		return nil, fmt.Errorf("an engine is required (--engine or manifest)")
	}
	if noLaunch {
		f := false
		req.Launch = &f
	}
	return req, nil
}

func splitPair(pair string) (string, string, bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], i > 0 && i < len(pair)-1
		}
	}
	return "", "", false
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildSubmitRequest()
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", GetTrackerURL()+"/jobs", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to tracker API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if resp.StatusCode == http.StatusAccepted {
		fmt.Printf("Manifest stored: %s\n", string(body))
		return nil
	}

	var view models.JobView
	if err := json.Unmarshal(body, &view); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	displayJobView(&view)
	return nil
}

func fetchJobView(jobID string) (*models.JobView, error) {
	httpReq, err := CreateAuthenticatedRequest("GET", fmt.Sprintf("%s/jobs/%s", GetTrackerURL(), jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tracker API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var view models.JobView
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &view, nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if followStatus {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			view, err := fetchJobView(jobID)
			if err != nil {
				return err
			}
			fmt.Print("\033[H\033[2J")
			displayJobView(view)

			if models.IsTerminalStatus(view.Status) {
				fmt.Println("\nJob reached terminal state")
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	}

	view, err := fetchJobView(jobID)
	if err != nil {
		return err
	}
	displayJobView(view)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	reqBody, _ := json.Marshal(map[string]string{"reason": cancelReason})

	httpReq, err := CreateAuthenticatedRequest("POST",
		fmt.Sprintf("%s/jobs/%s/cancel", GetTrackerURL(), args[0]), bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to tracker API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var view models.JobView
	if err := json.Unmarshal(body, &view); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	displayJobView(&view)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	httpReq, err := CreateAuthenticatedRequest("DELETE",
		fmt.Sprintf("%s/jobs/%s", GetTrackerURL(), args[0]), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to tracker API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	fmt.Printf("Job %s deleted\n", args[0])
	return nil
}

func runJobsReplay(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/debug/jobs/%s/replay-notification", GetTrackerURL(), args[0])
	if replayForce {
		url += "?force=true"
	}

	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to tracker API: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	fmt.Printf("Replay queued for job %s\n", args[0])
	return nil
}

func displayJobView(view *models.JobView) {
	if IsJSONOutput() {
		output, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal JSON: %v\n", err)
			return
		}
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job ID", view.JobID)
	if view.MediaID != "" {
		table.Append("Media ID", view.MediaID)
	}
	if view.Title != "" {
		table.Append("Title", view.Title)
	}
	table.Append("Engine", string(view.Engine))
	table.Append("Status", string(view.Status))
	if view.Phase != "" {
		table.Append("Phase", view.Phase)
	}
	table.Append("Progress", fmt.Sprintf("%.0f%%", view.Progress*100))
	if view.Error != "" {
		table.Append("Error", view.Error)
	}
	for slot, ref := range view.Outputs {
		table.Append("Output: "+slot, ref.Key)
	}
	table.Append("Updated", view.TS.Format(time.RFC3339))

	table.Render()
}
