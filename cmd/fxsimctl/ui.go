package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/game"
	"github.com/atmx/fxsim/internal/model"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Fprintln(os.Stderr, msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

// signed colours a value green when positive and red when negative.
func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	switch {
	case d.IsPositive():
		return success.Sprint("+" + s)
	case d.IsNegative():
		return danger.Sprint(s)
	}
	return s
}

func renderTick(res game.TickResult) {
	change := res.Tick.Price.Sub(res.Tick.Previous)
	line := fmt.Sprintf("%s  %s  %s", res.Tick.Timestamp.Format(time.TimeOnly), accent.Sprint(res.Tick.Price.StringFixed(2)), signed(change))
	if res.Tick.Recovered {
		line += warn.Sprint("  recovered")
	}
	fmt.Println(line)
	if ev := res.Tick.News; ev != nil {
		printWarn(fmt.Sprintf("  NEWS: %s (x%.4f)", ev.Message, ev.Multiplier))
	}
	if res.Warning != "" {
		printWarn("  " + res.Warning)
	}
}

func renderTrade(res game.TradeResult) {
	f := res.Fill
	if f.Side == model.SideOpen {
		printSuccess(fmt.Sprintf("Opened %s @ %s (qty %s)", f.Notional.StringFixed(2), f.Price.StringFixed(2), f.Quantity.StringFixed(6)))
	} else {
		printSuccess(fmt.Sprintf("Closed %s @ %s for %s", f.Notional.StringFixed(2), f.Price.StringFixed(2), f.Proceeds.StringFixed(2)))
		fmt.Printf("Profit: %s\n", signed(f.Profit))
	}
	fmt.Printf("Cash: %s  Total: %s\n", res.Account.Cash.StringFixed(2), res.Valuation.Total.StringFixed(2))
	if res.Warning != "" {
		printWarn(res.Warning)
	}
}

func renderMarket(view game.MarketView) {
	accent.Printf("Price %s", view.Price.StringFixed(2))
	fmt.Printf("  (version %d, %d points)\n", view.Version, len(view.History))
	if n := view.News; n != nil {
		printWarn(fmt.Sprintf("NEWS: %s (%+.2f%%)", n.Message, n.PercentChange))
	}
	start := 0
	if len(view.History) > 10 {
		start = len(view.History) - 10
	}
	for _, p := range view.History[start:] {
		fmt.Printf("  %s  %s\n", p.Timestamp.Format(time.TimeOnly), p.Price.StringFixed(2))
	}
}

func renderAccount(view game.AccountView) {
	acct := view.Account
	accent.Println(acct.Username)
	fmt.Printf("Cash:      %s\n", acct.Cash.StringFixed(2))
	if p := acct.Position; p != nil {
		fmt.Printf("Position:  %s notional, qty %s @ %s\n", p.Notional.StringFixed(2), p.Quantity.StringFixed(6), p.EntryPrice.StringFixed(2))
		fmt.Printf("Holding:   %s (open P&L %s)\n", view.Valuation.HoldingValue.StringFixed(2), signed(view.Valuation.OpenPnL))
	} else {
		fmt.Println("Position:  none")
	}
	fmt.Printf("Realized:  %s\n", signed(acct.RealizedPnL))
	fmt.Printf("Total:     %s\n", view.Valuation.Total.StringFixed(2))
	if view.Insolvent {
		printError("Account is insolvent")
	}
}

func renderRanking(rows []model.RankEntry) {
	if len(rows) == 0 {
		printInfo("No players yet.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tUSER\tCASH\tHOLDING\tTOTAL")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Rank, r.Username, r.Cash.StringFixed(2), r.HoldingValue.StringFixed(2), r.Total.StringFixed(2))
	}
	tw.Flush()
}

func renderTrades(entries []model.LedgerEntry) {
	if len(entries) == 0 {
		printInfo("No trades.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSIDE\tNOTIONAL\tPRICE\tPROFIT")
	for _, e := range entries {
		profit := "-"
		if e.Side == model.SideClose {
			profit = signed(e.Profit)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.DateTime), e.Side, e.Notional.StringFixed(2), e.Price.StringFixed(2), profit)
	}
	tw.Flush()
}

func renderEvent(ev model.Event) {
	ts := ev.Timestamp.Format(time.TimeOnly)
	switch ev.Type {
	case model.EventNews:
		printWarn(fmt.Sprintf("%s NEWS %s (x%.4f) price %s", ts, ev.Message, ev.Multiplier, ev.Price))
	case model.EventTrade:
		fmt.Printf("%s %s %s %s @ %s\n", ts, accent.Sprint(ev.Username), ev.Side, ev.Notional, ev.Price)
	default:
		fmt.Printf("%s %s\n", ts, ev.Price)
	}
}
