// Package cli implements custodyctl, the operator console for factories,
// migrations and read-side reports.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"custody-tracker/internal/models"
	"custody-tracker/internal/service"
)

// Operator is the actor recorded for changes made from the console.
var Operator = service.Actor{ID: "custodyctl", Roles: []models.Role{models.RoleAdmin}}

// Env supplies the service the commands run against.
type Env struct {
	Out io.Writer
	// Open connects the store (applying migrations) and returns a release func.
	Open func(ctx context.Context) (*service.Service, func(), error)
}

func (e *Env) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

// run opens the service for one command invocation.
func (e *Env) run(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, release, err := e.Open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, svc)
}

// RootCmd builds the custodyctl command tree.
func RootCmd(env *Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "custodyctl",
		Short:         "Operate the jewellery custody tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(env))
	root.AddCommand(factoryCmd(env))
	root.AddCommand(reportCmd(env))
	root.AddCommand(jobCmd(env))
	return root
}

func migrateCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(context.Context, *service.Service) error {
				fmt.Fprintln(env.out(), "✓ migrations applied")
				return nil
			})
		},
	}
}
