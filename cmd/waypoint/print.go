package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/waypoint/internal/models"
)

func printRunState(out io.Writer, st *models.RunState) {
	fmt.Fprintf(out, "Run:        %s\n", st.RunID)
	fmt.Fprintf(out, "Goal:       %s\n", st.Goal.Text)
	fmt.Fprintf(out, "Status:     %s\n", st.Status)
	fmt.Fprintf(out, "Iterations: %d/%d\n", st.IterationCount, st.Goal.Config.MaxIterations)
	fmt.Fprintf(out, "Updated:    %s\n", st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	if st.Plan != nil && len(st.Plan.Steps) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tDEPENDS ON\tRESULT")
		names := make(map[string]string, len(st.Plan.Steps))
		for _, s := range st.Plan.Steps {
			names[s.ID] = s.Name
		}
		for _, s := range st.Plan.Steps {
			deps := make([]string, len(s.DependsOn))
			for i, d := range s.DependsOn {
				deps[i] = names[d]
			}
			detail := s.Result
			if s.Error != "" {
				detail = s.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.Name, s.Status, s.Attempts, strings.Join(deps, ","), oneLine(detail, 60))
		}
		w.Flush()
	}

	if st.FinalOutcome != "" {
		fmt.Fprintf(out, "\n%s\n", st.FinalOutcome)
	}
	if st.ErrorMessage != "" {
		fmt.Fprintf(out, "\nError: %s\n", st.ErrorMessage)
	}
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
