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

	tlsutil "github.com/matchpulse/pipeline/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pipectl",
	Short: "CLI for the matchpulse settlement pipeline",
	Long:  `pipectl is a command line interface for inspecting pipeline coverage and managing settlement failures against a running pipelined instance.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipectl/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "pipelined API URL (default from config or http://localhost:8080)")
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

		configDir := filepath.Join(home, ".pipectl")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_key", "PIPELINE_API_KEY")
	viper.BindEnv("server_url", "PIPELINE_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("server_url") != "" && serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
	}

	if apiKey == "" && viper.GetString("api_key") != "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" && viper.GetString("server_url") != "" {
		serverURL = viper.GetString("server_url")
	}

	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the HTTP client used for API calls. When tls.ca_file
// is configured the server certificate is verified against it instead of the
// system roots, so pipectl can talk to a self-signed pipelined.
func GetHTTPClient() *http.Client {
	client := &http.Client{Timeout: 30 * time.Second}

	caFile := viper.GetString("tls.ca_file")
	certFile := viper.GetString("tls.cert_file")
	keyFile := viper.GetString("tls.key_file")
	if caFile != "" || (certFile != "" && keyFile != "") {
		tlsCfg, err := tlsutil.ClientConfig(caFile, certFile, keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading TLS configuration: %v\n", err)
			os.Exit(1)
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	return client
}

// CreateAuthenticatedRequest creates an HTTP request with the API key header
// when one is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	return req, nil
}
