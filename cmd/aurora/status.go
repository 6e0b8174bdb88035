package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/controlapi"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/launcher"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/updater"
)

var (
	eventKinds   []string
	eventSubject string
	eventLimit   int
	eventSince   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervised services of a running 'aurora serve'",
	Long: `Query the control API for supervisor health and per-service state.

Example:
  aurora status --api-url http://127.0.0.1:9800`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		client := controlapi.NewClient(cfg.API.URL, 10*time.Second)

		health, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}
		services, err := client.Services(cmd.Context())
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "status: %s\n", health.Status)
		if h := health.Services; h != nil {
			fmt.Fprintf(w, "services: %d total, %d running, %d crashed, %d stopped, %d restarts\n\n",
				h.TotalServices, h.RunningServices, h.CrashedServices, h.StoppedServices, h.TotalRestarts)
		}
		return printServices(w, services)
	},
}

func printServices(out io.Writer, services []controlapi.ServiceStatus) error {
	t := newTable("NAME", "STATUS", "PID", "RESTARTS", "LAST EXIT", "UPTIME")
	for _, s := range services {
		pid, exit, uptime := "-", "-", "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		if s.LastExitCode != nil {
			exit = fmt.Sprint(*s.LastExitCode)
		}
		if s.Status == "running" && !s.StartTime.IsZero() {
			uptime = time.Since(s.StartTime).Truncate(time.Second).String()
		}
		t.add(statusStyle(s.Status), s.Name, s.Status, pid, fmt.Sprint(s.RestartCount), exit, uptime)
	}
	return t.render(out)
}

// eventStyle highlights failures in the event listing
func eventStyle(kind string) lipgloss.Style {
	switch {
	case kind == procmgr.EventCrashed, strings.HasSuffix(kind, "failed"):
		return errorStyle
	case kind == procmgr.EventRestarting, kind == updater.EventRejected:
		return warningStyle
	}
	return plainStyle
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent journal events",
	Long: `Read the event journal through the control API.

Example:
  aurora events --kind service.crashed --since 1h
  aurora events --subject 3b1f...`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		f := journal.Filter{Kinds: eventKinds, Subject: eventSubject, Limit: eventLimit}
		if eventSince > 0 {
			f.Since = time.Now().Add(-eventSince)
		}

		events, err := controlapi.NewClient(cfg.API.URL, 10*time.Second).Events(cmd.Context(), f)
		if err != nil {
			return err
		}
		t := newTable("TIME", "KIND", "SUBJECT", "MESSAGE")
		for _, e := range events {
			t.add(eventStyle(e.Kind), e.Timestamp.Local().Format(time.DateTime), e.Kind, e.Subject, e.Message)
		}
		return t.render(cmd.OutOrStdout())
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins [name]",
	Short: "List plugins discovered in the plugins directory",
	Args:  usageArgs(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		registry := launcher.NewRegistry(cfg.PluginsDir, launcher.WithRegistryLogger(slog.Default()))
		if err := registry.Discover(); err != nil {
			return err
		}

		if len(args) == 1 {
			m, err := registry.Lookup(args[0])
			if err != nil {
				if hint := launcher.SuggestionOf(err); hint != "" {
					printHint(cmd.ErrOrStderr(), hint)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		}

		t := newTable("NAME", "VERSION", "ENTRY", "RESTART", "ISOLATION")
		for _, m := range registry.List() {
			t.add(plainStyle, m.Name, m.Version, m.EntryPoint, fmt.Sprint(m.ShouldRestart()), fmt.Sprint(m.IsolationLevel()))
		}
		return t.render(cmd.OutOrStdout())
	},
}

func init() {
	eventsCmd.Flags().StringSliceVar(&eventKinds, "kind", nil, "event kinds to show (repeatable)")
	eventsCmd.Flags().StringVar(&eventSubject, "subject", "", "service name or artifact hash")
	eventsCmd.Flags().IntVar(&eventLimit, "limit", 50, "maximum number of events")
	eventsCmd.Flags().DurationVar(&eventSince, "since", 0, "only events newer than this (e.g. 30m, 24h)")

	rootCmd.AddCommand(statusCmd, eventsCmd, pluginsCmd)
}
