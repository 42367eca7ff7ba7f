package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/web/api"
)

var (
	statusFilter string
	statusLimit  int
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit DESCRIPTOR",
		Short: "Submit an experiment descriptor (YAML or JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	rootCmd.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status [ID]",
		Short: "Show executions, or one execution in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter by coarse status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of ended executions to show")
	rootCmd.AddCommand(statusCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	resourcesCmd := &cobra.Command{
		Use:   "resources",
		Short: "List testbed resources and their owners",
		RunE:  runResources,
	}
	rootCmd.AddCommand(resourcesCmd)
}

// apiClient talks to a running orchestrator
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &apiClient{base: defaultAPIURL(cfg), http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *apiClient) call(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseID(arg string) (domain.ExecutionID, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid execution id %q", arg)
	}
	return domain.ExecutionID(n), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	d, err := domain.LoadDescriptor(args[0])
	if err != nil {
		return err
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var resp api.SubmitResponse
	if err := c.call(http.MethodPost, "/api/executions", d, &resp); err != nil {
		return err
	}
	exclusive := ""
	if resp.Exclusive {
		exclusive = " (exclusive)"
	}
	fmt.Printf("Execution %d submitted, requires %v%s\n", resp.ID, resp.Requirements, exclusive)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var exec api.ExecutionResponse
		if err := c.call(http.MethodGet, fmt.Sprintf("/api/executions/%d", id), nil, &exec); err != nil {
			return err
		}
		printExecution(exec)
		return nil
	}

	path := fmt.Sprintf("/api/executions?limit=%d", statusLimit)
	if statusFilter != "" {
		path += "&status=" + statusFilter
	}
	var list []api.ExecutionResponse
	if err := c.call(http.MethodGet, path, nil, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No executions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tVERDICT\tCREATED")
	for _, e := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d%%\t%s\t%s\n", e.ID, e.Name, e.Status, e.PerCent, e.Verdict, e.Created)
	}
	return w.Flush()
}

func printExecution(e api.ExecutionResponse) {
	fmt.Printf("Execution %d: %s\n", e.ID, e.Name)
	fmt.Printf("  Status:     %s (%d%%)\n", e.Status, e.PerCent)
	fmt.Printf("  Verdict:    %s\n", e.Verdict)
	fmt.Printf("  Created:    %s\n", e.Created)
	fmt.Printf("  Milestones: %v\n", e.Milestones)
	if e.RemoteID != nil {
		fmt.Printf("  Remote:     %d\n", *e.RemoteID)
	}
	if e.DashboardURL != "" {
		fmt.Printf("  Report:     %s\n", e.DashboardURL)
	}
	for _, s := range e.Stages {
		fmt.Printf("\n  %s [%s, verdict %s]\n", s.Tag, s.Status, s.Verdict)
		for _, msg := range s.Messages {
			fmt.Printf("    %s\n", msg)
		}
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.call(http.MethodPost, fmt.Sprintf("/api/executions/%d/cancel", id), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Execution %d cancelling\n", id)
	return nil
}

func runResources(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var resources []facility.ResourceInfo
	if err := c.call(http.MethodGet, "/api/resources", nil, &resources); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOWNER")
	for _, r := range resources {
		owner := "-"
		if r.Owner != nil {
			owner = strconv.FormatInt(int64(*r.Owner), 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, owner)
	}
	return w.Flush()
}
