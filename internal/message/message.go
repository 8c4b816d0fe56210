// Package message implements the send/lease/ack/release business logic and
// the receive-surface text formatting layered on store.Backend.
package message

import (
	"fmt"
	"sort"
	"strings"
	"time"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// Config shapes batch sizing and retention for a Service.
type Config struct {
	MaxBatchChars int
	MaxScanRows   int
	LeaseTTL      time.Duration
	MessageTTL    time.Duration
}

// FormatBatch renders a leased batch of messages into the receive
// surface's grouped-by-sender text, ordering senders by their earliest
// timestamp and appending a truncation notice when remaining > 0.
func FormatBatch(messages []agentpoolstore.Message, remaining int) string {
	if len(messages) == 0 {
		return ""
	}

	type group struct {
		sender   string
		earliest float64
		msgs     []agentpoolstore.Message
	}
	bySender := make(map[string]*group)
	var order []string
	for _, m := range messages {
		g, ok := bySender[m.FromUser]
		if !ok {
			g = &group{sender: m.FromUser, earliest: m.TS}
			bySender[m.FromUser] = g
			order = append(order, m.FromUser)
		}
		if m.TS < g.earliest {
			g.earliest = m.TS
		}
		g.msgs = append(g.msgs, m)
	}
	sort.Slice(order, func(i, j int) bool {
		return bySender[order[i]].earliest < bySender[order[j]].earliest
	})

	var b strings.Builder
	fmt.Fprintf(&b, "=== %d messages from %d agent(s) ===\n\n", len(messages), len(order))
	for _, sender := range order {
		g := bySender[sender]
		sort.Slice(g.msgs, func(i, j int) bool { return g.msgs[i].TS < g.msgs[j].TS })
		fmt.Fprintf(&b, "[%s] - %d message(s)\n", sender, len(g.msgs))
		for _, m := range g.msgs {
			fmt.Fprintf(&b, "  %s %s\n", formatClock(m.TS), m.Content)
		}
		b.WriteString("\n")
	}
	if remaining > 0 {
		fmt.Fprintf(&b, "(%d more queued. Call recv() again)\n", remaining)
	}
	return b.String()
}

func formatClock(ts float64) string {
	t := time.Unix(int64(ts), 0).UTC()
	return t.Format("15:04:05")
}
