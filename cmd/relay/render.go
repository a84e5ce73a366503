package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/router"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	activeColor  = lipgloss.Color("#06B6D4")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	bottleneckStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)
)

func statusStyle(status string) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch status {
	// Task and branch states share the "completed" and "failed" spellings.
	case string(models.WorkflowStatusCompleted):
		return style.Foreground(successColor)
	case string(models.WorkflowStatusFailed):
		return style.Foreground(errorColor).Bold(true)
	case string(models.WorkflowStatusPaused):
		return style.Foreground(warningColor)
	case string(models.WorkflowStatusInProgress), string(models.TaskStatusActive):
		return style.Foreground(activeColor)
	default:
		return style.Foreground(mutedColor)
	}
}

func renderStatus(status string) string {
	return statusStyle(status).Render(status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func renderWorkflowList(w io.Writer, workflows []*models.Workflow) {
	if len(workflows) == 0 {
		fmt.Fprintln(w, "No workflows found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDESCRIPTION\tSTATUS\tDONE\tAGENT")
	for _, wf := range workflows {
		agent := "-"
		if wf.CurrentAgent != nil {
			agent = string(*wf.CurrentAgent)
		}
		done := fmt.Sprintf("%d/%d", len(wf.CompletedTasks), len(wf.CompletedTasks)+len(wf.TaskQueue))
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(wf.ID), truncate(wf.Description, 40), wf.Status, done, agent)
	}
	tw.Flush()
}

func renderWorkflow(w io.Writer, wf *models.Workflow) {
	fmt.Fprintln(w, titleStyle.Render(wf.Description))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("ID:       "), wf.ID)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Status:   "), renderStatus(string(wf.Status)))
	if wf.CurrentAgent != nil {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Agent:    "), *wf.CurrentAgent)
	}
	if wf.ParallelBatch != nil {
		fmt.Fprintf(w, "%s %s (%d branches)\n", labelStyle.Render("Batch:    "), truncateID(wf.ParallelBatch.ID), len(wf.ParallelBatch.TaskIDs))
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Created:  "), wf.CreatedAt.Format("2006-01-02 15:04:05"))
	if len(wf.Artifacts) > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Artifacts:"), strings.Join(wf.Artifacts, ", "))
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tAGENT\tSTATUS\tDEPENDS ON\tDESCRIPTION")
	for _, t := range wf.AllTasks() {
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, truncateID(d))
		}
		status := string(t.Status)
		if t.Error != "" {
			status += ": " + truncate(t.Error, 30)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.AssignedAgent, status, strings.Join(deps, ","), truncate(t.Description, 50))
	}
	tw.Flush()

	if len(wf.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Handoffs"))
		for _, h := range wf.History {
			mark := statusStyle(string(models.TaskStatusCompleted)).Render("ok  ")
			if !h.Success {
				mark = statusStyle(string(models.TaskStatusFailed)).Render("fail")
			}
			fmt.Fprintf(w, "  %s %s -> %s  %s\n", mark, h.FromAgent, h.ToAgent, h.Context)
		}
	}
}

func renderPlan(w io.Writer, plan *router.ExecutionPlan) {
	for _, b := range plan.Batches {
		fmt.Fprintf(w, "%s  ~%.0fms\n", titleStyle.Render(fmt.Sprintf("Batch %d", b.Index+1)), b.EstimatedDurationMs)
		for _, t := range b.Tasks {
			fmt.Fprintf(w, "  %s  %-16s %s\n", truncateID(t.TaskID), t.Agent, labelStyle.Render(fmt.Sprintf("%dms", t.TimeoutMs)))
		}
	}
	fmt.Fprintf(w, "\nEstimated: %.0fms  Sequential: %dms  Max parallelism: %d  Ratio: %.3f\n",
		plan.TotalEstimatedMs, plan.SequentialMs, plan.MaxParallelism, plan.ParallelizationRatio)
}

func renderProgress(w io.Writer, r *coordinator.BranchReport) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No parallel batch in flight")
		return
	}

	fmt.Fprintf(w, "%s %s  %.0f%% (%d/%d completed, %d failed)\n",
		titleStyle.Render("Batch"), truncateID(r.BatchID), r.Percent, r.Completed, r.Total, r.Failed)

	slow := make(map[string]bool, len(r.Bottlenecks))
	for _, b := range r.Bottlenecks {
		slow[b.ID] = true
	}
	for _, b := range r.Branches {
		line := fmt.Sprintf("  %s  %-16s %s", truncateID(b.TaskID), b.Agent, renderStatus(string(b.Status)))
		if slow[b.ID] {
			line += "  " + bottleneckStyle.Render("bottleneck")
		}
		fmt.Fprintln(w, line)
	}
}
