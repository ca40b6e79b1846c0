package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"custody-tracker/internal/service"
)

func factoryCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Manage dispatch factories",
	}
	cmd.AddCommand(factoryAddCmd(env))
	cmd.AddCommand(factoryListCmd(env))
	cmd.AddCommand(factoryActiveCmd(env, "deactivate", false))
	cmd.AddCommand(factoryActiveCmd(env, "activate", true))
	return cmd
}

func factoryAddCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:     "add [name]",
		Short:   "Register a factory",
		Example: `  custodyctl factory add "Shree Works"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, svc *service.Service) error {
				f, err := svc.CreateFactory(ctx, Operator, args[0])
				if err != nil {
					return fmt.Errorf("add factory: %w", err)
				}
				fmt.Fprintf(env.out(), "✓ Created factory %s: %s\n", f.ID, f.Name)
				return nil
			})
		},
	}
}

func factoryListCmd(env *Env) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List factories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, svc *service.Service) error {
				factories, err := svc.ListFactories(ctx, all)
				if err != nil {
					return fmt.Errorf("list factories: %w", err)
				}
				if len(factories) == 0 {
					fmt.Fprintln(env.out(), "No factories found.")
					return nil
				}
				w := tabwriter.NewWriter(env.out(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS")
				for _, f := range factories {
					status := color.New(color.FgGreen).Sprint("active")
					if !f.IsActive {
						status = color.New(color.FgYellow).Sprint("inactive")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.Name, status)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive factories")
	return cmd
}

func factoryActiveCmd(env *Env, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " [factory-id]",
		Short: fmt.Sprintf("Mark a factory %sd", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, svc *service.Service) error {
				f, err := svc.UpdateFactory(ctx, Operator, args[0], service.FactoryPatch{IsActive: &active})
				if err != nil {
					return fmt.Errorf("%s factory: %w", verb, err)
				}
				fmt.Fprintf(env.out(), "✓ %s is now %sd\n", f.Name, verb)
				return nil
			})
		},
	}
}
