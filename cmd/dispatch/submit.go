package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/dispatch/pkg/client"
	"github.com/cuemby/dispatch/pkg/manifest"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit --kind KIND --resource TYPE:ID:OP...",
	Short: "Submit one work item",
	Long: `Submit one work item to the coordinator.

Examples:
  # Update a repository, returning after admission
  dispatch submit --kind sleep --args '{"duration":"2s"}' --resource repository:zoo:update

  # Wait up to a minute for the task to finish
  dispatch submit --kind noop --resource repository:zoo:read --wait --timeout 1m`,
	RunE: runSubmit,
}

var applyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Submit an itinerary manifest",
	Long: `Submit every item of a YAML or TOML itinerary manifest as one group.

If any item is rejected the whole itinerary is rejected and nothing runs.

Examples:
  dispatch apply -f delete-distributor.yaml
  dispatch apply -f nightly-sync.toml`,
	RunE: runApply,
}

func init() {
	submitCmd.Flags().String("id", "", "task id (generated when empty)")
	submitCmd.Flags().String("kind", "", "executor kind (required)")
	submitCmd.Flags().String("args", "", "JSON arguments passed to the executor")
	submitCmd.Flags().StringSlice("resource", nil, "resource reservation as type:id:operation (repeatable)")
	submitCmd.Flags().StringSlice("tag", nil, "tag (repeatable)")
	submitCmd.Flags().StringSlice("depends-on", nil, "task id that must succeed first (repeatable)")
	submitCmd.Flags().Int("weight", 1, "load the task puts on its worker")
	submitCmd.Flags().Bool("barrier", false, "allow an item without resources")
	submitCmd.Flags().Bool("no-archive", false, "do not archive the task when it finishes")
	submitCmd.Flags().Bool("retry", true, "resubmit the task if its worker is lost")
	submitCmd.Flags().Bool("wait", false, "wait for the task to finish")
	submitCmd.Flags().Duration("timeout", 0, "how long --wait blocks (server default when zero)")
	_ = submitCmd.MarkFlagRequired("kind")

	applyCmd.Flags().StringP("file", "f", "", "itinerary manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(applyCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	id, _ := flags.GetString("id")
	kind, _ := flags.GetString("kind")
	rawArgs, _ := flags.GetString("args")
	resources, _ := flags.GetStringSlice("resource")
	tags, _ := flags.GetStringSlice("tag")
	deps, _ := flags.GetStringSlice("depends-on")
	weight, _ := flags.GetInt("weight")
	barrier, _ := flags.GetBool("barrier")
	noArchive, _ := flags.GetBool("no-archive")
	retry, _ := flags.GetBool("retry")
	wait, _ := flags.GetBool("wait")
	timeout, _ := flags.GetDuration("timeout")

	item := &types.WorkItem{
		ID:           id,
		Kind:         kind,
		Resources:    make(types.ResourceMap, len(resources)),
		Tags:         tags,
		Weight:       weight,
		Dependencies: deps,
		Archive:      !noArchive,
		Barrier:      barrier,
		Retry:        retry,
	}
	if rawArgs != "" {
		if !json.Valid([]byte(rawArgs)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		item.Args = json.RawMessage(rawArgs)
	}
	for _, r := range resources {
		key, op, err := manifest.ParseResource(r)
		if err != nil {
			return err
		}
		item.Resources[key] = op
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	var status *types.TaskStatus
	if wait {
		status, err = c.SubmitAndWait(item, timeout)
	} else {
		status, err = c.Submit(item)
	}
	switch {
	case errors.Is(err, types.ErrSynchronousTimeout) && status != nil:
		fmt.Fprintf(os.Stderr, "Stopped waiting; task %s is still %s\n", status.TaskID, status.State)
	case errors.Is(err, client.ErrRejected):
		return err
	case err != nil:
		return fmt.Errorf("failed to submit: %w", err)
	}

	printStatus(status)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	itinerary, err := manifest.Load(filename)
	if err != nil {
		return err
	}
	items, err := itinerary.WorkItems()
	if err != nil {
		return err
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	groupID, statuses, err := c.SubmitItinerary(items)
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", filename, err)
	}

	name := itinerary.Name
	if name == "" {
		name = filename
	}
	fmt.Printf("✓ Itinerary %s submitted as group %s\n\n", name, groupID)
	printStatuses(statuses)
	return nil
}

func printStatus(s *types.TaskStatus) {
	fmt.Printf("Task:      %s\n", s.TaskID)
	if s.GroupID != "" {
		fmt.Printf("Group:     %s\n", s.GroupID)
	}
	fmt.Printf("Kind:      %s\n", s.Kind)
	fmt.Printf("State:     %s\n", s.State)
	if s.Response != "" {
		fmt.Printf("Response:  %s\n", s.Response)
	}
	for _, r := range s.Reasons {
		fmt.Printf("Reason:    %s\n", r)
	}
	if s.Queue != "" {
		fmt.Printf("Worker:    %s\n", s.Queue)
	}
	fmt.Printf("Submitted: %s\n", s.SubmittedAt.Format(time.RFC3339))
	if s.StartTime != nil {
		fmt.Printf("Started:   %s\n", s.StartTime.Format(time.RFC3339))
	}
	if s.FinishTime != nil {
		fmt.Printf("Finished:  %s\n", s.FinishTime.Format(time.RFC3339))
	}
	if len(s.Progress) > 0 {
		fmt.Printf("Progress:  %s\n", s.Progress)
	}
	if len(s.Result) > 0 {
		fmt.Printf("Result:    %s\n", s.Result)
	}
	if s.Error != nil {
		fmt.Printf("Error:     %s: %s\n", s.Error.Kind, s.Error.Message)
	}
	if s.RetryOf != "" {
		fmt.Printf("Retry of:  %s\n", s.RetryOf)
	}
}

func printStatuses(statuses []*types.TaskStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATE\tRESPONSE\tWORKER\tSUBMITTED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.TaskID, s.Kind, s.State, s.Response, s.Queue, s.SubmittedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
