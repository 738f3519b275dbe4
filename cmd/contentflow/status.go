package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contentflow/contentflow/engine/config"
	"github.com/contentflow/contentflow/engine/session"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show persisted session progress",
	Long: `Without arguments, list all persisted sessions. With a session id,
show that session's gate approvals and iteration counters.

Examples:
  contentflow status
  contentflow status 20260831_142201`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagSessionDir, "session-dir", "", "session storage directory")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("session-dir") {
		cfg.SessionDir = flagSessionDir
	}
	store := session.NewFileStore(cfg.SessionDir)

	if len(args) == 0 {
		return listSessions(cmd, cfg.SessionDir)
	}

	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), formatSession(sess))
	return nil
}

func listSessions(cmd *cobra.Command, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "session_*.json"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No sessions found in %s\n", dir)
		return nil
	}

	sort.Strings(matches)
	for _, path := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "session_"), ".json")
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

// formatSession renders a human-readable progress summary.
func formatSession(s *session.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session %s\n", s.SessionID)
	fmt.Fprintf(&b, "Started: %s\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if s.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", s.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	} else {
		fmt.Fprintln(&b, "Completed: no")
	}

	gates := []struct {
		num  int
		name string
	}{
		{1, "Product Analysis"},
		{2, "Persona Library"},
		{3, "Content Strategy"},
		{4, "Generated Content"},
		{5, "Final Review"},
	}
	for _, g := range gates {
		mark := " "
		if s.GateApproved(g.num) {
			mark = "x"
		}
		fmt.Fprintf(&b, "  Gate %d [%s] %s\n", g.num, mark, g.name)
	}

	fmt.Fprintf(&b, "Iterations: research=%d generation=%d refinement=%d\n",
		s.Stage1Iterations, s.Stage2Iterations, s.Stage3Iterations)
	return b.String()
}
