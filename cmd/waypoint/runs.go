package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/waypoint/internal/controlplane"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and control runs on the daemon",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel an active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var runsDecisionsCmd = &cobra.Command{
	Use:   "decisions [run-id]",
	Short: "Show the decision log of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDecisions,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete a run and its decision log",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsStatus string

func init() {
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCancelCmd, runsDecisionsCmd, runsDeleteCmd)
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (planning, running, completed, failed)")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	path := "/runs"
	if runsStatus != "" {
		path += "?status=" + url.QueryEscape(runsStatus)
	}

	var runs []models.RunSummary
	if err := apiGetJSON(path, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tITER\tUPDATED\tGOAL")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.RunID), r.Status, r.IterationCount, r.UpdatedAt.Local().Format("2006-01-02 15:04"), oneLine(r.Goal, 50))
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	var run controlplane.RunResponse
	if err := apiGetJSON("/runs/"+url.PathEscape(args[0]), &run); err != nil {
		return err
	}
	if run.RunState == nil {
		return fmt.Errorf("empty response for run %s", args[0])
	}
	printRunState(os.Stdout, run.RunState)
	if run.Active {
		fmt.Println("\n(active)")
	}
	return nil
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	if err := apiPostJSON("/runs/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Cancelling run: %s\n", args[0])
	return nil
}

func runRunsDecisions(cmd *cobra.Command, args []string) error {
	var decisions []models.Decision
	if err := apiGetJSON("/runs/"+url.PathEscape(args[0])+"/decisions", &decisions); err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Timestamp.Local().Format("15:04:05"), d.Action, d.Outcome, oneLine(d.Details, 60))
	}
	return w.Flush()
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, apiAddr+"/runs/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := decodeResponse(resp, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted run: %s\n", args[0])
	return nil
}
