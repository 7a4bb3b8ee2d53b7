// Package cli implements the interactive command loop of the finance core:
// passphrase unlock, entity CRUD, manual sync and rotation triggers, key
// backup and the recovery prompts.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/app"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/config"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/recovery"
)

// unlockAttempts bounds how often a wrong passphrase may be retried.
const unlockAttempts = 3

// CLI is the interactive front end over the application service graph.
type CLI struct {
	cfg    *config.Config
	app    *app.App
	log    logging.Logger
	reader *bufio.Reader
	out    io.Writer
	userID string
}

// New constructs the CLI and the underlying application.
func New(ctx context.Context, cfg *config.Config) (*CLI, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	a, err := app.NewApp(ctx, cfg, logger, EnvTokenSource{Var: "FINANCE_SYNC_TOKEN"}, nil)
	if err != nil {
		return nil, err
	}

	userID := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		userID = u.Username
	}

	return &CLI{
		cfg:    cfg,
		app:    a,
		log:    logger,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		userID: userID,
	}, nil
}

// Run unlocks the store and enters the command loop. Background sync and the
// reachability watcher run until the loop exits.
func (c *CLI) Run(ctx context.Context) error {
	defer c.app.Close()

	if err := c.unlock(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = c.app.Run(bgCtx)
	}()

	c.loop(ctx)
	return nil
}

func (c *CLI) unlock(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		passphrase, err := GetPassphrase(c.out)
		if err != nil {
			return err
		}
		err = c.app.Unlock(ctx, passphrase)
		if err == nil {
			return nil
		}
		if attempt >= unlockAttempts {
			return err
		}
		fmt.Fprintln(c.out, "unlock failed:", err)
	}
}

func (c *CLI) loop(ctx context.Context) {
	fmt.Fprintln(c.out, "Finance core CLI (type 'help' for commands)")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprintf(c.out, "fin (%s) > ", c.app.Mode())
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			fmt.Fprintln(c.out, "Available commands: list, show, put, delete, sync, rotate, backup, audit, recover, status, exit")

		case "l", "list":
			c.list(ctx, args)

		case "show":
			c.show(ctx, args)

		case "put":
			c.put(ctx, args)

		case "delete":
			c.deleteEntity(ctx, args)

		case "sync":
			c.sync(ctx)

		case "rotate":
			c.rotate(ctx)

		case "backup":
			if err := c.app.BackupKeys(ctx); err != nil {
				fmt.Fprintln(c.out, "backup failed:", err)
			} else {
				fmt.Fprintln(c.out, "key backup written")
			}

		case "audit":
			c.auditEvents(ctx, args)

		case "recover":
			c.recover(ctx, args)

		case "status":
			fmt.Fprintf(c.out, "mode: %s\n", c.app.Mode())

		case "exit", "quit":
			fmt.Fprintln(c.out, "Bye!")
			return

		default:
			fmt.Fprintln(c.out, "Unknown command:", cmd)
		}
	}
}

func (c *CLI) list(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: list <table>")
		return
	}
	entities, err := c.app.ListEntities(ctx, c.userID, args[0])
	if err != nil {
		c.reportError(ctx, err)
		return
	}
	for _, e := range entities {
		fmt.Fprintf(c.out, "%s  updated %s  fields %d\n", e.ID, e.UpdatedAt.Format("2006-01-02 15:04:05"), len(e.Fields))
	}
	fmt.Fprintf(c.out, "%d entities\n", len(entities))
}

func (c *CLI) show(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: show <table> <id>")
		return
	}
	e, err := c.app.ReadEntity(ctx, c.userID, args[0], args[1])
	if err != nil {
		c.reportError(ctx, err)
		return
	}
	printEntity(c.out, e)
}

func (c *CLI) put(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: put <table> [id]")
		return
	}
	id := ""
	if len(args) > 1 {
		id = args[1]
	}
	mutations, err := GetFields(c.reader, c.out)
	if err != nil || len(mutations) == 0 {
		fmt.Fprintln(c.out, "nothing to write")
		return
	}
	e, err := c.app.WriteEntity(ctx, c.userID, args[0], id, mutations)
	if err != nil {
		c.reportError(ctx, err)
		return
	}
	fmt.Fprintf(c.out, "wrote %s/%s\n", e.Table, e.ID)
}

func (c *CLI) deleteEntity(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: delete <table> <id>")
		return
	}
	if err := c.app.DeleteEntity(ctx, c.userID, args[0], args[1]); err != nil {
		c.reportError(ctx, err)
		return
	}
	fmt.Fprintln(c.out, "deleted")
}

func (c *CLI) sync(ctx context.Context) {
	status, err := c.app.RequestSync(ctx)
	if err != nil {
		fmt.Fprintln(c.out, "sync failed:", err)
		return
	}
	fmt.Fprintf(c.out, "pushed %d (accepted %d, rejected %d), pulled %d, conflicts %d\n",
		status.Pushed, status.Accepted, status.Rejected, status.Pulled, status.Conflicts)
}

func (c *CLI) rotate(ctx context.Context) {
	result, err := c.app.RequestKeyRotation(ctx)
	if err != nil {
		fmt.Fprintln(c.out, "rotation failed:", err)
		return
	}
	fmt.Fprintf(c.out, "rotated %s -> %s, migrated %d entities\n", result.OldKeyID, result.NewKeyID, result.Migrated)
}

func (c *CLI) auditEvents(ctx context.Context, args []string) {
	q := audit.Query{Limit: 20}
	if len(args) > 0 {
		q.Category = models.AuditCategory(args[0])
	}
	events, err := c.app.AuditEvents(ctx, q)
	if err != nil {
		fmt.Fprintln(c.out, "audit query failed:", err)
		return
	}
	for _, e := range events {
		fmt.Fprintf(c.out, "%s  %-10s %-20s success=%t %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Category, e.Action, e.Success, e.Error)
	}
}

func (c *CLI) recover(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: recover <scenario> [table id field]")
		fmt.Fprintln(c.out, "Scenarios: key_corruption, key_loss, field_decryption_failure, local_auth_failure, suspected_compromise, data_corruption")
		return
	}
	scenario := recovery.Scenario(args[0])
	req := recovery.Request{Scenario: scenario, OpCtx: models.OperationContext{UserID: c.userID}}
	if len(args) >= 4 {
		req.OpCtx.Table = args[1]
		req.OpCtx.RecordID = args[2]
		req.OpCtx.Operation = args[3]
	}

	plan, err := c.app.RecoveryPlan(scenario)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprintf(c.out, "Action: %s\nRisk: %s\n", plan.Action, plan.Risk)
	if plan.Irreversible {
		answer, err := GetSimpleText(c.reader, "This action is irreversible. Type 'yes' to continue", c.out)
		if err != nil || answer != "yes" {
			fmt.Fprintln(c.out, "aborted")
			return
		}
		req.AcceptRisk = true
	}

	outcome, err := c.app.Recover(ctx, req)
	if err != nil {
		fmt.Fprintln(c.out, "recovery failed:", err)
		return
	}
	fmt.Fprintf(c.out, "executed=%t restored=%d quarantined=%d %s\n",
		outcome.Executed, len(outcome.RestoredKeys), len(outcome.Quarantined), outcome.Detail)
}

// reportError prints the error and, when it maps to a recovery scenario,
// points the user at the recover command.
func (c *CLI) reportError(ctx context.Context, err error) {
	fmt.Fprintln(c.out, "error:", err)
	if scenario := c.app.ClassifyFailure(err); scenario != "" {
		fmt.Fprintf(c.out, "hint: run 'recover %s'\n", scenario)
	}
}

func printEntity(w io.Writer, e *models.Entity) {
	fmt.Fprintf(w, "id: %s\ntable: %s\nupdated: %s\n", e.ID, e.Table, e.UpdatedAt)
	for name, fv := range e.Fields {
		switch {
		case fv.Quarantined:
			fmt.Fprintf(w, "  %s = <quarantined>\n", name)
		case fv.Encrypted():
			fmt.Fprintf(w, "  %s = <encrypted, key %s>\n", name, fv.KeyID)
		default:
			fmt.Fprintf(w, "  %s = %s\n", name, string(fv.Plain))
		}
	}
}
