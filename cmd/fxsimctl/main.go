package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/fxsim/internal/app"
	"github.com/atmx/fxsim/internal/config"
	"github.com/atmx/fxsim/internal/feed"
	"github.com/atmx/fxsim/internal/game"
)

func main() {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:          "fxsimctl",
		Short:        "Operate the FX trading simulator against its configured store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "fxsim.toml", "path to TOML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	open := func(cmd *cobra.Command) (*app.App, error) {
		return openApp(cmd.Context(), configPath, verbose)
	}

	root.AddCommand(
		newAdvanceCmd(open),
		newOpenCmd(open),
		newCloseCmd(open),
		newRankCmd(open),
		newShowCmd(open),
		newTradesCmd(open),
		newWatchCmd(open),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(fmt.Sprintf("error: %v", err))
		os.Exit(1)
	}
}

type opener func(cmd *cobra.Command) (*app.App, error)

func openApp(ctx context.Context, path string, verbose bool) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var w io.Writer = io.Discard
	if verbose {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return app.Wire(ctx, cfg, logger, app.Options{})
}

func newAdvanceCmd(open opener) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the market by N steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return errors.New("--steps must be positive")
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			for i := 0; i < steps; i++ {
				res, err := a.Service.Advance(cmd.Context())
				if err != nil {
					return err
				}
				renderTick(res)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps")
	return cmd
}

func newOpenCmd(open opener) *cobra.Command {
	var notional string
	var useMax bool
	cmd := &cobra.Command{
		Use:   "open <username>",
		Short: "Open a position with a notional amount of cash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(notional, useMax, "--max")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Open(cmd.Context(), game.OpenRequest{Username: args[0], Notional: amount, Max: useMax})
			if err != nil {
				return err
			}
			renderTrade(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&notional, "notional", "", "cash to commit")
	cmd.Flags().BoolVar(&useMax, "max", false, "commit all available cash")
	return cmd
}

func newCloseCmd(open opener) *cobra.Command {
	var notional string
	var all bool
	cmd := &cobra.Command{
		Use:   "close <username>",
		Short: "Close part or all of a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(notional, all, "--all")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Close(cmd.Context(), game.CloseRequest{Username: args[0], Notional: amount, All: all})
			if err != nil {
				return err
			}
			renderTrade(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&notional, "notional", "", "notional to close")
	cmd.Flags().BoolVar(&all, "all", false, "close the whole position")
	return cmd
}

func newRankCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rank",
		Short: "Show the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.Service.Ranking(cmd.Context())
			if err != nil {
				return err
			}
			renderRanking(rows)
			return nil
		},
	}
}

func newShowCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "show [username]",
		Short: "Show the market, or one account marked to market",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				view, err := a.Service.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				renderMarket(view)
				return nil
			}
			view, err := a.Service.Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderAccount(view)
			return nil
		},
	}
}

func newTradesCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades <username>",
		Short: "List a user's fills, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Service.Trades(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			renderTrades(entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum entries (0 for all)")
	return cmd
}

func newWatchCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow live events from the Redis feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Redis == nil {
				return errors.New("watch needs redis configured")
			}

			events, err := feed.Subscribe(cmd.Context(), a.Redis, a.Config.Redis.Channel)
			if err != nil {
				return err
			}
			printInfo("watching " + a.Config.Redis.Channel + " (Ctrl+C to stop)")
			for ev := range events {
				renderEvent(ev)
			}
			return nil
		},
	}
}

func parseAmount(raw string, whole bool, flag string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if whole {
		return decimal.Zero, nil
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("either --notional or %s is required", flag)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid notional %q", raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.New("notional must be positive")
	}
	return d, nil
}
