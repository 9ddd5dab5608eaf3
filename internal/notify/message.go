package notify

import (
	"fmt"
	"strings"
	"time"

	"trade-guard/internal/trade"
)

const maxMessageLen = 3800

// Section is one titled block of a message.
type Section struct {
	Title string
	Lines []string
}

// Message is the rendered form of a lifecycle event.
type Message struct {
	TradeID   int64
	UserID    string
	Title     string
	Sections  []Section
	Footer    string
	Timestamp time.Time
}

// Text renders the message as plain text, truncated to a single chat message.
func (m Message) Text() string {
	var b strings.Builder
	if title := strings.TrimSpace(m.Title); title != "" {
		b.WriteString(title + "\n\n")
	}
	for _, sec := range m.Sections {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if t := strings.TrimSpace(sec.Title); t != "" {
			b.WriteString(t + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(footer + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("at " + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = body[:maxMessageLen] + "..."
	}
	return body
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

var titles = map[trade.EventKind]string{
	trade.EventNewTrade:  "New trade",
	trade.EventActive:    "Trade active",
	trade.EventTargetHit: "Target hit",
	trade.EventSLHit:     "Stop loss hit",
	trade.EventHighMade:  "New high after exit",
	trade.EventExit:      "Trade closed",
	trade.EventEODReport: "End of day report",
	trade.EventAlert:     "Alert",
}

// Render turns an event into a message.
func Render(ev trade.Event) Message {
	title := titles[ev.Kind]
	if title == "" {
		title = string(ev.Kind)
	}
	if ev.Symbol != "" {
		title = fmt.Sprintf("%s · %s", title, ev.Symbol)
	}

	var lines []string
	if ev.TradeID != 0 {
		lines = append(lines, fmt.Sprintf("Trade #%d (%s)", ev.TradeID, ev.Mode))
	} else {
		lines = append(lines, fmt.Sprintf("Mode %s", ev.Mode))
	}
	switch ev.Kind {
	case trade.EventTargetHit:
		lines = append(lines, fmt.Sprintf("Target %d reached at %.2f", ev.Target, ev.Price))
	case trade.EventEODReport:
	default:
		if ev.Price > 0 {
			lines = append(lines, fmt.Sprintf("Price %.2f", ev.Price))
		}
	}
	if ev.PnL != 0 || ev.Kind == trade.EventSLHit || ev.Kind == trade.EventExit || ev.Kind == trade.EventEODReport {
		lines = append(lines, fmt.Sprintf("P&L %.2f", ev.PnL))
	}

	return Message{
		TradeID:   ev.TradeID,
		UserID:    ev.UserID,
		Title:     title,
		Sections:  []Section{{Lines: lines}},
		Footer:    ev.Detail,
		Timestamp: ev.At,
	}
}
