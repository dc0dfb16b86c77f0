package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	trackerURL   string
	outputFormat string
	cfgFile      string
	apiKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "CLI for the jobtrackd media job tracker",
	Long:  `jobctl is a command line interface for submitting, inspecting, and managing media processing jobs tracked by jobtrackd.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobctl/config)")
	rootCmd.PersistentFlags().StringVar(&trackerURL, "tracker", "", "tracker API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".jobctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_key", "JOBTRACKD_API_KEY")
	viper.BindEnv("tracker_url", "JOBTRACKD_URL")

	if err := viper.ReadInConfig(); err == nil {
		if trackerURL == "" {
			trackerURL = viper.GetString("tracker_url")
		}
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if trackerURL == "" {
		trackerURL = viper.GetString("tracker_url")
	}
	if trackerURL == "" {
		trackerURL = "http://localhost:8080"
	}
}

// GetTrackerURL returns the configured tracker URL with trailing slashes removed
func GetTrackerURL() string {
	return strings.TrimRight(trackerURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the client used for tracker API calls
func GetHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// CreateAuthenticatedRequest creates an HTTP request carrying the API key if configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return req, nil
}
