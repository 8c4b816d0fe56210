package agentpool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/presence"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// workingStaleAfter is the elapsed-time threshold past which a working
// agent's state prefix switches from the working emoji to a "stuck?"
// question mark, matching the documented 30-minute flag.
const workingStaleAfter = 30 * 60

func (s *Session) formatStatus(ctx context.Context) string {
	peers, err := s.presence.ListOnline(ctx)
	if err != nil {
		s.logger.Warn("get_status failed listing peers", zap.Error(err))
		return "No active agents."
	}
	s.metrics.SetOnlineAgents(len(peers))
	if len(peers) == 0 {
		return "No active agents."
	}

	lease, err := s.backend.CurrentLease(ctx)
	leaderID := ""
	if err == nil {
		now := agentpoolstore.Now()
		if lease.LeaseUntil >= now {
			leaderID = lease.OwnerID
		}
	}

	myID := s.identity.ID()

	sort.Slice(peers, func(i, j int) bool {
		if (peers[i].ID == myID) != (peers[j].ID == myID) {
			return peers[i].ID == myID
		}
		return peers[i].ID < peers[j].ID
	})

	var lines []string
	for _, p := range peers {
		lines = append(lines, formatStatusLine(p, myID, leaderID))
	}
	return strings.Join(lines, "\n")
}

func formatStatusLine(p presence.Peer, myID, leaderID string) string {
	var flags []string
	if p.ID == myID {
		flags = append(flags, "THIS")
	}
	if p.ID == leaderID {
		flags = append(flags, "LEADER/👑")
	}

	state := formatStatusState(p)
	bracket := state
	if len(flags) > 0 {
		bracket = strings.Join(flags, " | ") + " | " + state
	}

	return fmt.Sprintf("Agent %s @ %s [%s]", p.ID, p.CWD, bracket)
}

func formatStatusState(p presence.Peer) string {
	if p.Mode == agentpoolstore.ModeWaiting && p.RecvStarted > 0 {
		elapsed := int(agentpoolstore.Now() - p.RecvStarted)
		if elapsed < 0 {
			elapsed = 0
		}
		if p.RecvWaitSecs > 0 {
			return fmt.Sprintf("🎧 Waiting (%ds/%ds)", elapsed, p.RecvWaitSecs)
		}
		return fmt.Sprintf("🎧 Waiting (%ds)", elapsed)
	}

	elapsed := int(p.ModeAge.Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	prefix := "🛠"
	if elapsed >= workingStaleAfter {
		prefix = "❓"
	}
	return fmt.Sprintf("%s Working (%ds)", prefix, elapsed)
}
