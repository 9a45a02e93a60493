package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running hakaiqc server",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "hakaiqc server URL")
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"event_subscribers"`
	Datasets    []struct {
		Name            string `json:"name"`
		Records         int    `json:"records"`
		QCRunning       bool   `json:"qc_running"`
		LastQCRun       string `json:"last_qc_run"`
		QCErrors        int    `json:"qc_errors"`
		DataRangeOldest string `json:"data_range_oldest"`
		DataRangeNewest string `json:"data_range_newest"`
	} `json:"datasets"`
	Database struct {
		Driver       string `json:"driver"`
		Path         string `json:"path"`
		Status       string `json:"status"`
		SizeBytes    int64  `json:"size_bytes"`
		TotalRecords int    `json:"total_records"`
	} `json:"database"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var health healthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printHealth(cmd.OutOrStdout(), &health)
	return nil
}

func printHealth(w io.Writer, health *healthReport) {
	fmt.Fprintf(w, "hakaiqc %s\n", health.Version)
	fmt.Fprintf(w, "Status: %s\n", health.Status)
	fmt.Fprintf(w, "Uptime: %s\n", health.Uptime)
	if health.Subscribers > 0 {
		fmt.Fprintf(w, "Event subscribers: %d\n", health.Subscribers)
	}
	fmt.Fprintln(w)

	if len(health.Datasets) > 0 {
		fmt.Fprintln(w, "Datasets:")
		for _, d := range health.Datasets {
			fmt.Fprintf(w, "  %s (%s records)\n", d.Name, formatNumber(d.Records))
			switch {
			case d.QCRunning:
				fmt.Fprintln(w, "    QC: running")
			case d.LastQCRun != "":
				fmt.Fprintf(w, "    Last QC run: %s\n", d.LastQCRun)
			}
			if d.QCErrors > 0 {
				fmt.Fprintf(w, "    QC errors: %d\n", d.QCErrors)
			}
			if d.DataRangeOldest != "" {
				fmt.Fprintf(w, "    Data range: %s to %s\n", d.DataRangeOldest, d.DataRangeNewest)
			}
		}
		fmt.Fprintln(w)
	}

	if health.Database.Path != "" {
		fmt.Fprintf(w, "Database: %s (%s)\n", health.Database.Driver, health.Database.Path)
	} else {
		fmt.Fprintf(w, "Database: %s\n", health.Database.Driver)
	}
	if health.Database.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", formatBytes(health.Database.SizeBytes))
	}
	if health.Database.TotalRecords > 0 {
		fmt.Fprintf(w, "  Records: %s\n", formatNumber(health.Database.TotalRecords))
	}
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
