// Package main implements usagectl, the operator CLI for the extraction
// quota of a running platform.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/clinical-coding/platform/internal/dashboard"
	"github.com/clinical-coding/platform/internal/shared/auth"
)

var (
	serverURL string
	token     string
	jwtSecret string
	asJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "usagectl",
	Short: "Inspect and manage extraction quota usage",
	Long: `usagectl talks to the usage endpoints of a running clinical coding platform.

Examples:
  # Show current usage
  usagectl usage

  # Open the live dashboard
  usagectl dashboard --interval 10s

  # Reset today's window (requires the admin role)
  usagectl reset --secret "$AUTH_JWT_SECRET"`,
	SilenceUsage: true,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show current hourly and daily usage",
	RunE:  runUsage,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List daily usage windows, newest first",
	RunE:  runHistory,
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List quota alerts fired since the server started",
	RunE:  runAlerts,
}

var resetCmd = &cobra.Command{
	Use:   "reset [window-id]",
	Short: "Zero a usage window (default: today)",
	Long: `Zero a usage window. Window ids are 2006-01-02 for days and
2006-01-02T15 for hours, in UTC. Without an id, today's window is reset.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReset,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live usage dashboard",
	RunE:  runDashboard,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PLATFORM_URL", "http://localhost:8080/api/v1"), "platform API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PLATFORM_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVar(&jwtSecret, "secret", "", "sign a short-lived admin token with this JWT secret instead of --token")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	historyCmd.Flags().Int("days", 7, "number of days")
	dashboardCmd.Flags().Duration("interval", 5*time.Second, "refresh interval")

	rootCmd.AddCommand(usageCmd, historyCmd, alertsCmd, resetCmd, dashboardCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() (*dashboard.Client, error) {
	if jwtSecret != "" {
		signed, err := auth.IssueToken(jwtSecret, "usagectl", []string{string(auth.RoleAdmin)}, 5*time.Minute)
		if err != nil {
			return nil, err
		}
		return dashboard.NewClient(serverURL, signed), nil
	}
	return dashboard.NewClient(serverURL, token), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runUsage(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	u, err := client.Usage(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(u)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "QUOTA\tUSED\tLIMIT\tPERCENT\n")
	fmt.Fprintf(w, "hourly calls (%s)\t%d\t%d\t%.1f%%\n", u.Hourly.ID, u.Hourly.CallCount, u.Limits.HourlyCalls, u.HourlyCallsPercent)
	fmt.Fprintf(w, "daily calls (%s)\t%d\t%d\t%.1f%%\n", u.Daily.ID, u.Daily.CallCount, u.Limits.DailyCalls, u.DailyCallsPercent)
	fmt.Fprintf(w, "daily cost (%s)\t$%.4f\t$%.2f\t%.1f%%\n", u.Daily.ID, u.Daily.CostAccrued.Float64(), u.Limits.DailyCost.Float64(), u.DailyCostPercent)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nmonthly projection: $%.2f\n", u.MonthlyProjection.Float64())
	for _, warning := range u.Warnings {
		fmt.Println(warning)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	client, err := newClient()
	if err != nil {
		return err
	}
	windows, err := client.History(cmd.Context(), days)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(windows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "DAY\tCALLS\tCOST\n")
	for _, win := range windows {
		fmt.Fprintf(w, "%s\t%d\t$%.4f\n", win.ID, win.CallCount, win.CostAccrued.Float64())
	}
	return w.Flush()
}

func runAlerts(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	alerts, err := client.Alerts(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(alerts)
	}
	if len(alerts) == 0 {
		fmt.Println("no alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("%s  %s\n", a.FiredAt.Format(time.RFC3339), a.Message)
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	windowID := ""
	if len(args) == 1 {
		windowID = args[0]
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	win, err := client.Reset(cmd.Context(), windowID)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(win)
	}
	fmt.Printf("window %s reset\n", win.ID)
	return nil
}

func runDashboard(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p := tea.NewProgram(dashboard.NewModel(client, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}
