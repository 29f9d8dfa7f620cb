package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"stockworks/internal/game"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func renderState(st game.GameState, me string) error {
	g := st.Game
	accent.Printf("\n== %s (turn %d) ==\n", g.Name, g.Turn)
	fmt.Printf("Game:          %s\n", g.ID)
	fmt.Printf("Status:        %s\n", colorizeStatus(string(g.Status)))
	fmt.Printf("Phase:         %s", st.Phase.Name)
	if !st.Phase.EndsAt.IsZero() {
		fmt.Printf(" (ends %s)", st.Phase.EndsAt.Local().Format("15:04:05"))
	}
	fmt.Println()
	fmt.Printf("Bank pool:     %s\n", formatMoney(g.BankPool))
	fmt.Printf("Consumers:     %s\n", comma(g.ConsumerPool))
	if g.InputLocked {
		printWarn("Input is locked.")
	}
	if g.LastError != "" {
		printError("Last error: " + g.LastError)
	}

	names := make(map[string]string, len(st.Companies))
	for _, c := range st.Companies {
		names[c.ID] = c.Name
	}
	held := make(map[string]map[string]int64)
	for _, h := range st.Shares {
		if h.Owner.Location != game.LocationPlayer {
			continue
		}
		if held[h.Owner.PlayerID] == nil {
			held[h.Owner.PlayerID] = map[string]int64{}
		}
		held[h.Owner.PlayerID][h.CompanyID] += h.Quantity
	}

	fmt.Println()
	accent.Println("Players")
	fmt.Printf("  %-20s %10s %8s %8s %8s  %s\n", "NAME", "CASH", "MARKET", "LIMIT", "SHORT", "SHARES")
	for _, p := range st.Players {
		marker := " "
		if p.ID == me {
			marker = "*"
		}
		fmt.Printf("%s %-20s %10s %8d %8d %8d  %s\n",
			marker,
			truncate(p.Name, 20),
			formatMoney(p.CashOnHand),
			p.MarketOrderActions,
			p.LimitOrderActions,
			p.ShortOrderActions,
			holdingsLine(held[p.ID], names),
		)
	}

	fmt.Println()
	accent.Println("Companies")
	if len(st.Companies) == 0 {
		printInfo("No companies.")
	} else {
		fmt.Printf("%-18s %-4s %-11s %8s %10s %8s %8s %8s %8s\n", "NAME", "TIER", "STATUS", "PRICE", "CASH", "DEMAND", "SUPPLY", "FACTORY", "DEFICIT")
		for _, c := range st.Companies {
			fmt.Printf("%-18s %-4d %-11s %8s %10s %8d %8s %8d %8s\n",
				truncate(c.Name, 18),
				c.Tier,
				colorizeStatus(string(c.Status)),
				formatMoney(c.StockPrice),
				colorizeMoney(c.CashOnHand),
				c.DemandScore,
				fmt.Sprintf("%d/%d", c.SupplyCurrent, c.SupplyMax),
				c.FactorySize,
				formatMoney(c.Deficit),
			)
		}
	}
	fmt.Println()
	return nil
}

func holdingsLine(h map[string]int64, names map[string]string) string {
	if len(h) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(h))
	for id, qty := range h {
		if qty == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d", truncate(names[id], 12), qty))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func renderReceipt(rec game.Receipt, company string) error {
	switch {
	case rec.Order != nil:
		o := rec.Order
		side := "buy"
		if o.IsSell() {
			side = "sell"
		}
		msg := fmt.Sprintf("%s %s order for %d %s accepted (%s).", o.Spec.Kind(), side, o.Quantity(), company, o.Status)
		if lim, ok := o.Spec.(game.LimitOrder); ok {
			msg = fmt.Sprintf("LIMIT %s %d %s at %s accepted.", side, lim.Quantity, company, formatMoney(lim.Value))
		}
		printSuccess(msg)
	case rec.Vote != nil:
		printSuccess(fmt.Sprintf("Voted %s for %s with weight %d.", rec.Vote.Action, company, rec.Vote.Weight))
	case rec.Contribution != nil:
		c := rec.Contribution
		printSuccess(fmt.Sprintf("Contributed %s and %d shares to %s (worth %s).", formatMoney(c.Cash), c.Shares, company, formatMoney(c.Value)))
	default:
		printSuccess(fmt.Sprintf("Passed %s.", rec.Phase.Name))
	}
	if rec.Advanced {
		printInfo("Everyone has responded; the phase advanced.")
	}
	return nil
}

func renderPrices(co game.Company, rows []game.PricePoint) error {
	accent.Printf("\n== %s prices ==\n", co.Name)
	if len(rows) == 0 {
		printInfo("No prices recorded yet.")
		return nil
	}
	fmt.Printf("%-5s %-28s %8s %8s\n", "TURN", "PHASE", "PRICE", "CHANGE")
	prev := rows[0].Price
	for _, p := range rows {
		fmt.Printf("%-5d %-28s %8s %8s\n", p.Turn, p.PhaseName, formatMoney(p.Price), colorizeMoney(p.Price-prev))
		prev = p.Price
	}
	fmt.Println()
	return nil
}

func renderEvent(ev game.Event) {
	at := ev.At.Local().Format("15:04:05")
	head := fmt.Sprintf("[%s] turn %d %s", at, ev.Turn, ev.Phase)
	switch ev.Kind {
	case game.EventPhaseChanged:
		accent.Printf("%s  phase changed\n", head)
	case game.EventCompanyInsolvent, game.EventGameLocked:
		danger.Printf("%s  %s %s\n", head, ev.Kind, compactPayload(ev.Payload))
	case game.EventPriceChanged:
		warn.Printf("%s  %s %s\n", head, ev.Kind, compactPayload(ev.Payload))
	default:
		neutral.Printf("%s  %s\n", head, ev.Kind)
	}
}

func compactPayload(p any) string {
	if p == nil {
		return ""
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return truncate(string(raw), 120)
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeMoney(v int64) string {
	text := formatMoney(v)
	if v > 0 {
		text = "+" + text
	}
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func colorizeStatus(s string) string {
	switch s {
	case string(game.GameActive), string(game.CompanyActive):
		return success.Sprint(s)
	case string(game.CompanyInDeficit):
		return warn.Sprint(s)
	default:
		return danger.Sprint(s)
	}
}

func formatMoney(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + "$" + comma(v)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
