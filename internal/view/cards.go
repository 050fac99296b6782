package view

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"qalgo-terminal/internal/common"
	"qalgo-terminal/internal/resource"
)

const na = "n/a"

var bullish = regexp.MustCompile(`bull|trend|stable`)

// Capital shows equity and drawdown from the account summary.
func Capital(payload json.RawMessage) ([]string, error) {
	var acct struct {
		CurrentEquity *float64 `json:"currentEquity"`
		StartEquity   *float64 `json:"startEquity"`
		Throttle      *float64 `json:"throttle"`
	}
	if err := json.Unmarshal(payload, &acct); err != nil {
		return nil, err
	}

	drawdown := na
	if acct.CurrentEquity != nil && acct.StartEquity != nil && *acct.StartEquity != 0 {
		drawdown = fmt.Sprintf("%.2f%%", Drawdown(*acct.CurrentEquity, *acct.StartEquity))
	}
	return []string{
		"Current Equity: " + money(acct.CurrentEquity),
		"Starting Equity: " + money(acct.StartEquity),
		"Drawdown: " + drawdown,
		"Throttle: " + fixed(acct.Throttle, "x"),
	}, nil
}

// Drawdown is the percentage change from start to current.
func Drawdown(current, start float64) float64 {
	return (current - start) / start * 100
}

// Mesh shows the combined mesh score and each agent's signal.
func Mesh(payload json.RawMessage) ([]string, error) {
	var mesh struct {
		Score   json.RawMessage    `json:"mesh_score"`
		Signals map[string]float64 `json:"agent_signals"`
	}
	if err := json.Unmarshal(payload, &mesh); err != nil {
		return nil, err
	}

	lines := []string{"Combined Score: " + scalar(mesh.Score)}
	agents := make([]string, 0, len(mesh.Signals))
	for agent := range mesh.Signals {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		lines = append(lines, fmt.Sprintf("%-16s %6.2f", AgentName(agent), mesh.Signals[agent]))
	}
	return lines, nil
}

// AgentName drops the q_ namespace from a mesh agent id.
func AgentName(id string) string {
	return strings.Replace(id, "q_", "", 1)
}

// GPT shows the latest entry-model reasoning.
func GPT(payload json.RawMessage) ([]string, error) {
	var entry struct {
		Confidence json.RawMessage `json:"gpt_confidence"`
		Regime     string          `json:"regime"`
		Reasoning  string          `json:"gpt_reasoning"`
		Rationale  string          `json:"rationale"`
		Timestamp  json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, err
	}

	rationale := entry.Reasoning
	if rationale == "" {
		rationale = entry.Rationale
	}
	updated := time.Now()
	if ts, ok := parseWhen(entry.Timestamp); ok {
		updated = ts
	}
	return []string{
		"Confidence: " + scalar(entry.Confidence),
		"Direction: " + Direction(entry.Regime),
		"Rationale: " + rationale,
		"Updated: " + updated.Local().Format(time.TimeOnly),
	}, nil
}

// Direction maps a market regime to the option side the model favors.
func Direction(regime string) string {
	if bullish.MatchString(regime) {
		return "CALL"
	}
	return "PUT"
}

// SystemStatus shows the runtime state of the trading process.
func SystemStatus(payload json.RawMessage) ([]string, error) {
	var state struct {
		Mode         string   `json:"mode"`
		MarketStatus string   `json:"marketStatus"`
		WSOK         bool     `json:"wsOk"`
		PivotActive  bool     `json:"pivotActive"`
		ActiveAgents []string `json:"activeAgents"`
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, err
	}

	ws := "Stale"
	if state.WSOK {
		ws = "Healthy"
	}
	pivot := "-"
	if state.PivotActive {
		pivot = "Yes"
	}
	agents := "-"
	if state.ActiveAgents != nil {
		agents = strings.Join(state.ActiveAgents, ", ")
	}
	return []string{
		"Mode: " + orDefault(state.Mode, na),
		"Market Status: " + orDefault(state.MarketStatus, "unknown"),
		"WebSocket: " + ws,
		"Pivot Detected: " + pivot,
		"Agents Active: " + agents,
	}, nil
}

// Controls shows the control status object.
func Controls(payload json.RawMessage) ([]string, error) {
	var status struct {
		KillSwitch        bool     `json:"killSwitch"`
		CapitalAllocation *float64 `json:"capitalAllocation"`
		OverrideEntry     bool     `json:"overrideEntry"`
	}
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, err
	}

	kill := "off (trading allowed)"
	if status.KillSwitch {
		kill = "ON (trading halted)"
	}
	alloc := na
	if status.CapitalAllocation != nil {
		alloc = strconv.FormatFloat(*status.CapitalAllocation, 'f', -1, 64) + "%"
	}
	override := "-"
	if status.OverrideEntry {
		override = "pending"
	}
	return []string{
		"Kill Switch: " + kill,
		"Capital Allocation: " + alloc,
		"Entry Override: " + override,
	}, nil
}

// Reinforcement lists the most frequent reinforcement labels.
func Reinforcement(payload json.RawMessage) ([]string, error) {
	var labels []resource.LabelCount
	if err := json.Unmarshal(payload, &labels); err != nil {
		return nil, err
	}
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Count > labels[j].Count })
	if len(labels) > common.ReinforcementTopN {
		labels = labels[:common.ReinforcementTopN]
	}

	lines := make([]string, 0, len(labels))
	for _, l := range labels {
		lines = append(lines, fmt.Sprintf("%-28s %6s", l.Label, strconv.FormatFloat(l.Count, 'f', -1, 64)))
	}
	if len(lines) == 0 {
		lines = append(lines, "no labels yet")
	}
	return lines, nil
}

// Trades lists up to ten recent trades.
func Trades(payload json.RawMessage) ([]string, error) {
	var trades []struct {
		Direction    string          `json:"direction"`
		Contracts    json.RawMessage `json:"contracts"`
		OptionSymbol string          `json:"option_symbol"`
		Timestamp    json.RawMessage `json:"timestamp"`
		Score        *float64        `json:"score"`
		PnL          json.RawMessage `json:"pnl"`
	}
	if err := json.Unmarshal(payload, &trades); err != nil {
		return nil, err
	}
	if len(trades) > common.RecentLimit {
		trades = trades[:common.RecentLimit]
	}

	lines := make([]string, 0, len(trades))
	for _, t := range trades {
		entry := na
		if ts, ok := parseWhen(t.Timestamp); ok {
			entry = ts.Local().Format(time.TimeOnly)
		}
		lines = append(lines, fmt.Sprintf("%s %sx %s | Entry: %s | Score: %s | PnL: %s",
			t.Direction, scalar(t.Contracts), t.OptionSymbol, entry, fixed(t.Score, ""), scalar(t.PnL)))
	}
	if len(lines) == 0 {
		lines = append(lines, "no trades yet")
	}
	return lines, nil
}

func money(v *float64) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("$%.2f", *v)
}

func fixed(v *float64, suffix string) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("%.2f%s", *v, suffix)
}

// scalar prints a JSON value without quotes, or n/a when absent.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return na
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// parseWhen accepts RFC3339 text or unix milliseconds.
func parseWhen(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}
