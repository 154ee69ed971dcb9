package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	cfnats "github.com/agentic-work/openagenticwork-sub000/internal/adapter/nats"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/postgres"
	"github.com/agentic-work/openagenticwork-sub000/internal/config"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/messagequeue"
	"github.com/agentic-work/openagenticwork-sub000/internal/service"
)

const adminActor = "cli"

// runAdmin dispatches admin subcommands operating on the persisted policy.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "show":
		return runAdminShow(args[1:])
	case "history":
		return runAdminHistory(args[1:])
	case "load":
		return runAdminLoad(args[1:])
	case "enable":
		return runAdminToggle(true, args[1:])
	case "disable":
		return runAdminToggle(false, args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: orchestrator admin <command> [options]

Commands:
  show      Print the current policy as JSON
  history   List stored policy versions
  load      Replace the policy from a YAML or JSON file
  enable    Enable multi-role orchestration
  disable   Disable multi-role orchestration
  migrate   Apply, roll back or show database migrations (up|down|version)
  help      Show this help message

Examples:
  orchestrator admin show
  orchestrator admin history --limit 5
  orchestrator admin load --file policy.yaml
  orchestrator admin disable --yes
  orchestrator admin migrate down --steps 1
`)
}

// loadAdminStore opens the persisted policy store. Changes are published on
// NATS when configured so running replicas pick them up.
func loadAdminStore(ctx context.Context) (*service.PolicyStore, func(), error) {
	cfg, _, err := config.LoadWithCLI(config.CLIFlags{})
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return nil, nil, fmt.Errorf("admin commands need a persisted policy: set DATABASE_URL")
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	cleanup := pool.Close

	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		q, err := cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		queue = q
		cleanup = func() {
			_ = q.Close()
			pool.Close()
		}
	}

	store := service.NewPolicyStore(postgres.NewPolicyStore(pool), nil, queue, nil, 1)
	if err := store.Load(ctx, cfg.Orchestrator.PolicyFile); err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func runAdminShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	ver := fs.Int64("version", 0, "show a stored version instead of the current one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	snap := store.Snapshot()
	if *ver > 0 {
		if snap, err = store.Version(ctx, *ver); err != nil {
			return fmt.Errorf("policy v%d: %w", *ver, err)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runAdminHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of versions to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	snaps, err := store.History(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tENABLED\tTHRESHOLD\tMAX_HANDOFFS\tUPDATED_BY\tUPDATED_AT")
	for i := range snaps {
		s := &snaps[i]
		_, _ = fmt.Fprintf(w, "%d\t%t\t%d\t%d\t%s\t%s\n",
			s.Version, s.Policy.Enabled, s.Policy.Routing.ComplexityThreshold,
			s.Policy.Routing.MaxHandoffs, s.UpdatedBy, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminLoad(args []string) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	file := fs.String("file", "", "policy file, YAML or JSON (required)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	p, err := orchestration.LoadPolicyFile(*file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cur := store.Snapshot()
	if !*yes && !confirm(fmt.Sprintf("Replace policy v%d with %s?", cur.Version, *file)) {
		return fmt.Errorf("aborted")
	}
	snap, err := store.Replace(ctx, *p, adminActor)
	if err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Policy v%d stored\n", snap.Version)
	return nil
}

func runAdminToggle(enabled bool, args []string) error {
	fs := flag.NewFlagSet("toggle", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	verb := "Disable"
	if enabled {
		verb = "Enable"
	}
	if !*yes && !confirm(verb+" multi-role orchestration?") {
		return fmt.Errorf("aborted")
	}
	snap, err := store.SetEnabled(ctx, enabled, adminActor)
	if err != nil {
		return fmt.Errorf("toggle: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Orchestration enabled=%t (policy v%d)\n", snap.Policy.Enabled, snap.Version)
	return nil
}

// confirm asks a yes/no question on an interactive terminal. Non-interactive
// callers must pass --yes.
func confirm(question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; pass --yes to confirm")
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runAdminMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migrate needs one of: up, down, version")
	}
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "migrations to roll back")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, _, err := config.LoadWithCLI(config.CLIFlags{})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("set DATABASE_URL")
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		if !confirm(fmt.Sprintf("Roll back %d migration(s)?", *steps)) {
			return fmt.Errorf("aborted")
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}
