package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/controlplane"
	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/router"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Manage workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a workflow and dispatch its first tasks",
	RunE:  runWorkflowCreate,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowList,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show [workflow-id]",
	Short: "Show workflow details",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowShow,
}

var workflowCompleteCmd = &cobra.Command{
	Use:   "complete [workflow-id] [task-id]",
	Short: "Report a task as completed",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowComplete,
}

var workflowFailCmd = &cobra.Command{
	Use:   "fail [workflow-id] [task-id]",
	Short: "Report a task as failed",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowFail,
}

var workflowPlanCmd = &cobra.Command{
	Use:   "plan [workflow-id]",
	Short: "Show the batch execution plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowPlan,
}

var workflowProgressCmd = &cobra.Command{
	Use:   "progress [workflow-id]",
	Short: "Show progress of the parallel batch in flight",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowProgress,
}

var workflowQueueCmd = &cobra.Command{
	Use:   "queue [workflow-id]",
	Short: "Show ready, waiting, active and failed tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowQueue,
}

var workflowEventsCmd = &cobra.Command{
	Use:   "events [workflow-id]",
	Short: "Show event counters for a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowEvents,
}

var workflowAuditCmd = &cobra.Command{
	Use:   "audit [workflow-id]",
	Short: "Show decision records for a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowAudit,
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete [workflow-id]",
	Short: "Delete a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiDelete("/workflows/" + url.PathEscape(args[0])); err != nil {
			return err
		}
		fmt.Printf("Deleted workflow %s\n", args[0])
		return nil
	},
}

var (
	wfDesc       string
	wfReqs       []string
	wfTimeout    time.Duration
	wfStatus     string
	wfResult     string
	wfError      string
	wfAuditLimit int
)

func init() {
	workflowCmd.AddCommand(
		workflowCreateCmd, workflowListCmd, workflowShowCmd,
		workflowCompleteCmd, workflowFailCmd,
		transitionCmd("pause", "Pause a workflow"),
		transitionCmd("resume", "Resume a paused workflow, retrying failed tasks"),
		transitionCmd("cancel", "Cancel a workflow"),
		transitionCmd("process", "Dispatch any tasks whose dependencies are met"),
		workflowPlanCmd, workflowProgressCmd, workflowQueueCmd,
		workflowEventsCmd, workflowAuditCmd, workflowDeleteCmd,
	)

	workflowCreateCmd.Flags().StringVar(&wfDesc, "desc", "", "Workflow goal (required)")
	workflowCreateCmd.Flags().StringArrayVar(&wfReqs, "req", nil, "Requirement (repeatable)")
	workflowCreateCmd.Flags().DurationVar(&wfTimeout, "timeout", 0, "Override every task's timeout")
	workflowCreateCmd.MarkFlagRequired("desc")

	workflowListCmd.Flags().StringVar(&wfStatus, "status", "", "Filter by status")

	workflowCompleteCmd.Flags().StringVar(&wfResult, "result", "", "Task result as a JSON object")

	workflowFailCmd.Flags().StringVar(&wfError, "error", "", "Failure message (required)")
	workflowFailCmd.MarkFlagRequired("error")

	workflowAuditCmd.Flags().IntVar(&wfAuditLimit, "limit", 20, "Maximum records to show")
}

func workflowPath(id string, parts ...string) string {
	p := "/workflows/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// transitionCmd builds a subcommand for a body-less lifecycle call.
func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [workflow-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var wf models.Workflow
			if err := apiPost(workflowPath(args[0], action), nil, &wf); err != nil {
				return err
			}
			fmt.Printf("Workflow %s is %s\n", truncateID(wf.ID), renderStatus(string(wf.Status)))
			return nil
		},
	}
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	req := coordinator.CreateParams{
		Description:  wfDesc,
		Requirements: wfReqs,
		TimeoutMs:    wfTimeout.Milliseconds(),
	}

	var wf models.Workflow
	if err := apiPost("/workflows", req, &wf); err != nil {
		return err
	}

	fmt.Printf("Created workflow: %s\n", wf.ID)
	for _, t := range wf.ActiveTasks() {
		fmt.Printf("  dispatched %s to %s\n", truncateID(t.ID), t.AssignedAgent)
	}
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	path := "/workflows"
	if wfStatus != "" {
		path += "?status=" + url.QueryEscape(wfStatus)
	}

	var workflows []*models.Workflow
	if err := apiGet(path, &workflows); err != nil {
		return err
	}
	renderWorkflowList(os.Stdout, workflows)
	return nil
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	var wf models.Workflow
	if err := apiGet(workflowPath(args[0]), &wf); err != nil {
		return err
	}
	renderWorkflow(os.Stdout, &wf)
	return nil
}

func parseResult(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("--result must be a JSON object: %w", err)
	}
	return result, nil
}

func runWorkflowComplete(cmd *cobra.Command, args []string) error {
	result, err := parseResult(wfResult)
	if err != nil {
		return err
	}

	var wf models.Workflow
	body := map[string]any{"result": result}
	if err := apiPost(workflowPath(args[0], "tasks", args[1], "complete"), body, &wf); err != nil {
		return err
	}

	fmt.Printf("Task %s completed; workflow is %s\n", truncateID(args[1]), renderStatus(string(wf.Status)))
	for _, t := range wf.ActiveTasks() {
		fmt.Printf("  active %s on %s\n", truncateID(t.ID), t.AssignedAgent)
	}
	return nil
}

func runWorkflowFail(cmd *cobra.Command, args []string) error {
	var wf models.Workflow
	body := map[string]string{"error": wfError}
	if err := apiPost(workflowPath(args[0], "tasks", args[1], "fail"), body, &wf); err != nil {
		return err
	}
	fmt.Printf("Task %s failed; workflow is %s\n", truncateID(args[1]), renderStatus(string(wf.Status)))
	return nil
}

func runWorkflowPlan(cmd *cobra.Command, args []string) error {
	var plan router.ExecutionPlan
	if err := apiGet(workflowPath(args[0], "plan"), &plan); err != nil {
		return err
	}
	renderPlan(os.Stdout, &plan)
	return nil
}

func runWorkflowProgress(cmd *cobra.Command, args []string) error {
	var report coordinator.BranchReport
	if err := apiGet(workflowPath(args[0], "progress"), &report); err != nil {
		return err
	}
	renderProgress(os.Stdout, &report)
	return nil
}

func runWorkflowQueue(cmd *cobra.Command, args []string) error {
	var q coordinator.QueueView
	if err := apiGet(workflowPath(args[0], "queue"), &q); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tTASK\tAGENT\tDESCRIPTION")
	rows := []struct {
		state string
		tasks []*models.Task
	}{
		{"active", q.Active},
		{"ready", q.Ready},
		{"waiting", q.Waiting},
		{"failed", q.Failed},
	}
	for _, row := range rows {
		for _, t := range row.tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.state, truncateID(t.ID), t.AssignedAgent, truncate(t.Description, 50))
		}
	}
	return w.Flush()
}

func runWorkflowEvents(cmd *cobra.Command, args []string) error {
	var resp controlplane.EventsResponse
	if err := apiGet(workflowPath(args[0], "events"), &resp); err != nil {
		return err
	}
	if resp.Workflow == nil {
		fmt.Println("No events recorded since the daemon started")
		return nil
	}

	m := resp.Workflow
	fmt.Printf("Events: %d  Last: %s at %s\n", m.TotalEvents, m.LastEvent, m.LastEventAt.Format(time.RFC3339))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCOUNT")
	for _, typ := range sortedTypes(m.Counts) {
		fmt.Fprintf(w, "%s\t%d\n", typ, m.Counts[typ])
	}
	return w.Flush()
}

func runWorkflowAudit(cmd *cobra.Command, args []string) error {
	var entries []models.PDREntry
	path := fmt.Sprintf("%s?limit=%d", workflowPath(args[0], "audit"), wfAuditLimit)
	if err := apiGet(path, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No decision records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTASK\tINPUTS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("15:04:05"), e.Action, e.Outcome, truncateID(e.TaskID), truncateID(e.InputsHash))
	}
	return w.Flush()
}

func sortedTypes(counts map[events.Type]int) []events.Type {
	types := make([]events.Type, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
