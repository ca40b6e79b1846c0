package main

import (
	"context"
	"fmt"
	"os"

	"custody-tracker/internal/app"
	"custody-tracker/internal/cli"
	"custody-tracker/internal/config"
	"custody-tracker/internal/service"
)

func main() {
	env := &cli.Env{
		Out: os.Stdout,
		Open: func(ctx context.Context) (*service.Service, func(), error) {
			cfg, err := config.Load()
			if err != nil {
				return nil, nil, fmt.Errorf("config: %w", err)
			}
			st, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			svc, err := app.NewService(cfg, st, nil)
			if err != nil {
				st.Close()
				return nil, nil, err
			}
			return svc, st.Close, nil
		},
	}
	if err := cli.RootCmd(env).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
