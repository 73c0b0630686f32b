package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/remindme/internal/api"
	"github.com/kalambet/remindme/internal/config"
	"github.com/kalambet/remindme/internal/reminder"
)

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Send every reminder and follow-up that is due now",
	Long: `Ask the running server to process due tasks once. Suitable for cron when
the server's own scheduler is not trusted to stay up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/run-reminders")
		if err != nil {
			return err
		}
		var res reminder.SweepResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Sent %d reminder(s) and %d follow-up(s)", res.Reminders, res.FollowUps)
		return nil
	},
}

// --- say ---

var sayCmd = &cobra.Command{
	Use:   "say <owner-id> <message...>",
	Short: "Send a chat command as a user and print the reply",
	Long: `Send a chat command as a user and print the reply.

Examples:
  remindme say 1 "remind me to call mom at 9pm"
  remindme say --chat 123456 list all tasks`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat")
		req := api.ChatRequest{ChatID: chatID}
		if chatID == "" {
			if len(args) < 2 {
				return fmt.Errorf("owner id and message are required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req.OwnerID = id
			args = args[1:]
		}
		req.Text = strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/chat", req)
		if err != nil {
			return err
		}
		var out api.ChatResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Reply)
		return nil
	},
}

func init() {
	sayCmd.Flags().String("chat", "", "identify the sender by chat id instead of owner id")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List pending reminder and follow-up triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs")
		if err != nil {
			return err
		}
		var jobs []api.JobView
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

func printJobs(w io.Writer, jobs []api.JobView) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No pending jobs.")
		return
	}
	for _, j := range jobs {
		fmt.Fprintf(w, "  %-28s %-9s task %-5d %s\n", j.ID, j.Kind, j.TaskID, j.FireAt.Local().Format(time.DateTime))
	}
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list <owner-id>",
	Short: "List a user's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/tasks?owner_id="+strconv.FormatInt(owner, 10))
		if err != nil {
			return err
		}
		var tasks []api.TaskView
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}
		printTasks(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <owner-id> <time> <description...>",
	Short: "Create a task at an RFC 3339 time",
	Long: `Create a task at an RFC 3339 time.

Example:
  remindme tasks add 1 2025-06-01T21:00:00-05:00 call mom`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseID(args[0])
		if err != nil {
			return err
		}
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return fmt.Errorf("invalid time %q: %w", args[1], err)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/tasks", api.CreateTaskRequest{
			OwnerID:       owner,
			Description:   strings.Join(args[2:], " "),
			ScheduledTime: at,
		})
		if err != nil {
			return err
		}
		var t api.TaskView
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		printSuccess("Created task #%d '%s' at %s", t.ID, t.Description, t.ScheduledTime.Local().Format(time.DateTime))
		return nil
	},
}

var tasksEditCmd = &cobra.Command{
	Use:   "edit <task-id> <time> [description...]",
	Short: "Move a task to a new RFC 3339 time, reopening it if done",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return fmt.Errorf("invalid time %q: %w", args[1], err)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/api/tasks/"+args[0], api.EditTaskRequest{
			Description:   strings.Join(args[2:], " "),
			ScheduledTime: at,
		})
		if err != nil {
			return err
		}
		var t api.TaskView
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		printSuccess("Task #%d '%s' rescheduled to %s", id, t.Description, t.ScheduledTime.Local().Format(time.DateTime))
		return nil
	},
}

var tasksCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a task as done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseID(args[0]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/tasks/"+args[0]+"/complete", nil)
		if err != nil {
			return err
		}
		var t api.TaskView
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		printSuccess("Task '%s' marked as done.", t.Description)
		return nil
	},
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and cancel its notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseID(args[0]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/tasks/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted task #%s", args[0])
		return nil
	},
}

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksEditCmd)
	tasksCmd.AddCommand(tasksCompleteCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
}

func printTasks(w io.Writer, tasks []api.TaskView) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, reminder.ReplyNoTasks)
		return
	}
	for _, t := range tasks {
		status := yellow(t.Status)
		if t.Status == "done" {
			status = green(t.Status)
		}
		fmt.Fprintf(w, "  #%-4d %-8s %s  %s\n", t.ID, status, t.ScheduledTime.Local().Format(time.DateTime), t.Description)
	}
}

// --- users ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users linked to chats",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <chat-id> [name]",
	Short: "Link a chat id to a new user",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tz, _ := cmd.Flags().GetString("timezone")
		req := api.CreateUserRequest{ChatID: args[0], Timezone: tz}
		if len(args) > 1 {
			req.Name = args[1]
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/users", req)
		if err != nil {
			return err
		}
		var out map[string]int64
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Chat %s linked to user %d", args[0], out["id"])
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users and their chat ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/users")
		if err != nil {
			return err
		}
		var users []api.UserView
		if err := decodeJSON(resp, &users); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(users) == 0 {
			fmt.Fprintln(w, "No users.")
			return nil
		}
		for _, u := range users {
			tz := u.Timezone
			if tz == "" {
				tz = "(default)"
			}
			fmt.Fprintf(w, "  #%-4d chat %-14s %-20s %s\n", u.ID, u.ChatID, tz, u.Name)
		}
		return nil
	},
}

func init() {
	usersAddCmd.Flags().String("timezone", "", "IANA timezone, e.g. America/Guayaquil (default: server timezone)")
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
}

// --- deliveries ---

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Show recent outbound messages, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/deliveries?limit="+strconv.Itoa(limit))
		if err != nil {
			return err
		}
		var deliveries []api.DeliveryView
		if err := decodeJSON(resp, &deliveries); err != nil {
			return err
		}
		printDeliveries(cmd.OutOrStdout(), deliveries)
		return nil
	},
}

func init() {
	deliveriesCmd.Flags().Int("limit", 20, "number of deliveries to show")
}

func printDeliveries(w io.Writer, deliveries []api.DeliveryView) {
	if len(deliveries) == 0 {
		fmt.Fprintln(w, "No deliveries yet.")
		return
	}
	for _, d := range deliveries {
		outcome := green("ok")
		if !d.OK {
			outcome = red("failed: " + d.Error)
		}
		fmt.Fprintf(w, "  %s  %-9s user %-4d %q %s\n", d.CreatedAt.Local().Format(time.DateTime), d.Kind, d.OwnerID, d.Text, outcome)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", bold(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (" + strings.Join(config.SecretKeys(), ", ") + ") in the secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
