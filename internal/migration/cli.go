package migration

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// CLI prints the outcome of the flowgate migrate subcommands
type CLI struct {
	m   *Migrator
	out io.Writer
}

// NewCLI creates a CLI that writes to out
func NewCLI(m *Migrator, out io.Writer) *CLI {
	return &CLI{m: m, out: out}
}

// RunUp applies all pending migrations
func (c *CLI) RunUp(ctx context.Context) error {
	return c.change(ctx, "Applying pending migrations", c.m.Up)
}

// RunDown rolls back the last migration
func (c *CLI) RunDown(ctx context.Context) error {
	return c.change(ctx, "Rolling back the last migration", func(ctx context.Context) error {
		return c.m.Steps(ctx, -1)
	})
}

// RunDownAll drops every flowgate table
func (c *CLI) RunDownAll(ctx context.Context) error {
	return c.change(ctx, "Rolling back all migrations", c.m.DownAll)
}

// RunSteps applies (n > 0) or rolls back (n < 0) n migrations
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	action := fmt.Sprintf("Applying %d migration(s)", n)
	if n < 0 {
		action = fmt.Sprintf("Rolling back %d migration(s)", -n)
	}
	return c.change(ctx, action, func(ctx context.Context) error {
		return c.m.Steps(ctx, n)
	})
}

// RunGoto migrates to version
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.change(ctx, fmt.Sprintf("Migrating to version %d", version), func(ctx context.Context) error {
		return c.m.Goto(ctx, version)
	})
}

// RunForce records version without running migrations
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.change(ctx, fmt.Sprintf("Forcing version %d", version), func(ctx context.Context) error {
		return c.m.Force(ctx, version)
	})
}

// change runs op, then reports the resulting version and the flowgate tables
func (c *CLI) change(ctx context.Context, action string, op func(context.Context) error) error {
	fmt.Fprintf(c.out, "%s...\n", action)
	if err := op(ctx); err != nil {
		return err
	}

	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Done. Current version: %d%s\n\n", info.CurrentVersion, dirtySuffix(info.Dirty))
	return c.printTables(info.Tables)
}

// RunVersion prints the applied version
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

// RunStatus lists every migration with the tables it creates
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tTABLES\tSTATUS")
	applied := 0
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\t%s\n", s.Version, s.Name, strings.Join(s.Tables, ","), state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

// RunInfo prints the schema summary and the state of each flowgate table
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Schema version: %d%s\n", info.CurrentVersion, dirtySuffix(info.Dirty))
	fmt.Fprintf(c.out, "Migrations: %d applied, %d pending, %d total\n\n",
		info.AppliedMigrations, info.PendingMigrations, info.TotalMigrations)
	return c.printTables(info.Tables)
}

func (c *CLI) printTables(tables []TableState) error {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tCREATED BY\tPRESENT\tROWS")
	for _, t := range tables {
		present, rows := "no", "-"
		if t.Present {
			present, rows = "yes", fmt.Sprint(t.Rows)
		}
		fmt.Fprintf(w, "%s\t%06d\t%s\t%s\n", t.Name, t.Version, present, rows)
	}
	return w.Flush()
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}
