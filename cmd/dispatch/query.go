package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/dispatch/pkg/api"
	"github.com/cuemby/dispatch/pkg/config"
	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show the status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Status(args[0])
		if err != nil {
			return err
		}
		printStatus(status)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "List tasks",
	Long: `List live tasks matching the filters, or archived calls with --archived.

Examples:
  dispatch search --state running
  dispatch search --tag repository:zoo --archived`,
	RunE: runSearch,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [ID | --group GROUP]",
	Short: "Cancel a task or a whole itinerary",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCancel,
}

var completeCmd = &cobra.Command{
	Use:   "complete ID",
	Short: "Report the outcome of a call handed to an external agent",
	Long: `Finish a task whose executor deferred completion. Without --error the
task succeeds with the JSON given by --result.`,
	Args: cobra.ExactArgs(1),
	RunE: runComplete,
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		workers, err := c.ListWorkers()
		if err != nil {
			return err
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLOAD\tTASKS\tLAST HEARTBEAT")
		for _, wk := range workers {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
				wk.Name, wk.Load, len(wk.AssignedTaskIDs), time.Since(wk.LastHeartbeat).Round(time.Second))
		}
		return w.Flush()
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat NAME",
	Short: "Report a remote worker as alive",
	Long: `Send one heartbeat, or keep sending them with --every, on behalf of a
worker process running outside the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runHeartbeat,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the call history",
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old archived calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.SetDefaults(viper.GetViper())
		olderThan := viper.GetDuration("history.retention")
		keep := viper.GetInt("history.keep")
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}
		if cmd.Flags().Changed("keep") {
			keep, _ = cmd.Flags().GetInt("keep")
		}

		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.PurgeHistory(olderThan, keep)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Purged %d archived calls older than %s\n", n, olderThan)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task and worker events",
	RunE:  runWatch,
}

func init() {
	searchCmd.Flags().StringSlice("id", nil, "task id (repeatable)")
	searchCmd.Flags().String("group", "", "itinerary group id")
	searchCmd.Flags().StringSlice("state", nil, "task state (repeatable)")
	searchCmd.Flags().StringSlice("tag", nil, "required tag (repeatable)")
	searchCmd.Flags().String("kind", "", "executor kind")
	searchCmd.Flags().Int("limit", 100, "maximum results")
	searchCmd.Flags().Bool("archived", false, "search the call history instead of live tasks")

	cancelCmd.Flags().String("group", "", "cancel every task of this itinerary")

	completeCmd.Flags().String("result", "", "JSON result of the call")
	completeCmd.Flags().String("error", "", "fail the task with this message")

	heartbeatCmd.Flags().Duration("every", 0, "keep sending heartbeats at this interval")

	historyPurgeCmd.Flags().Duration("older-than", 0, "age of the calls to delete (default history.retention)")
	historyPurgeCmd.Flags().Int("keep", 0, "newest calls to keep regardless of age (default history.keep)")
	historyCmd.AddCommand(historyPurgeCmd)

	watchCmd.Flags().String("task", "", "only events of this task")
	watchCmd.Flags().String("group", "", "only events of this itinerary")
	watchCmd.Flags().StringSlice("type", nil, "event type, e.g. task.failed (repeatable)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	ids, _ := flags.GetStringSlice("id")
	group, _ := flags.GetString("group")
	states, _ := flags.GetStringSlice("state")
	tags, _ := flags.GetStringSlice("tag")
	kind, _ := flags.GetString("kind")
	limit, _ := flags.GetInt("limit")
	archived, _ := flags.GetBool("archived")

	filter := types.Filter{TaskIDs: ids, GroupID: group, Tags: tags, Kind: kind, Limit: limit}
	for _, s := range states {
		filter.States = append(filter.States, types.TaskState(s))
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	if !archived {
		statuses, err := c.Search(filter)
		if err != nil {
			return err
		}
		printStatuses(statuses)
		return nil
	}

	calls, err := c.History(filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATE\tGROUP\tARCHIVED")
	for _, call := range calls {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			call.TaskID, call.Status.Kind, call.Status.State, call.GroupID, call.ArchivedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	group, _ := cmd.Flags().GetString("group")
	if (group == "") == (len(args) == 0) {
		return fmt.Errorf("give either a task id or --group")
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	if group != "" {
		results, err := c.CancelGroup(group)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			printCancel(id, results[id])
		}
		return nil
	}

	ok, err := c.Cancel(args[0])
	if err != nil {
		return err
	}
	printCancel(args[0], ok)
	return nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	result, _ := cmd.Flags().GetString("result")
	message, _ := cmd.Flags().GetString("error")
	if result != "" && message != "" {
		return fmt.Errorf("--result and --error are mutually exclusive")
	}

	var taskErr *types.TaskError
	if message != "" {
		taskErr = &types.TaskError{Kind: types.ErrorKindExecution, Message: message}
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Complete(args[0], json.RawMessage(result), taskErr)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printCancel(id string, canceled bool) {
	if canceled {
		fmt.Printf("✓ Cancellation requested for %s\n", id)
	} else {
		fmt.Printf("- %s already finished\n", id)
	}
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	every, _ := cmd.Flags().GetDuration("every")

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Heartbeat(args[0]); err != nil {
		return err
	}
	if every <= 0 {
		fmt.Printf("✓ Heartbeat sent for %s\n", args[0])
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Heartbeat(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "heartbeat failed: %v\n", err)
			}
		}
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	task, _ := cmd.Flags().GetString("task")
	group, _ := cmd.Flags().GetString("group")
	eventTypes, _ := cmd.Flags().GetStringSlice("type")

	req := &api.WatchEventsRequest{TaskID: task, GroupID: group}
	for _, t := range eventTypes {
		req.Types = append(req.Types, events.EventType(t))
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.WatchEvents(ctx, req, func(e *events.Event) error {
		subject := e.TaskID
		if subject == "" {
			subject = e.Worker
		}
		fmt.Printf("%s  %-16s %s", e.Timestamp.Format(time.RFC3339), e.Type, subject)
		if e.Message != "" {
			fmt.Printf("  %s", e.Message)
		}
		fmt.Println()
		return nil
	})
}
