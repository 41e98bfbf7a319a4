// Package report renders the stored transfer and handoff history as a
// markdown report.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/bluelink/store"
	"github.com/user/bluelink/util"
)

// PeerInfo summarises everything recorded about one peer
type PeerInfo struct {
	Address       string
	Completed     int
	Failed        int
	Cancelled     int
	BytesSent     int64
	Handoffs      int
	HandoffsBytes int
}

// Issue is a problem found in the history
type Issue struct {
	Severity    string // "ERROR" or "WARNING"
	Peer        string
	JobID       string
	Description string
}

// Report is the data behind the markdown document
type Report struct {
	Generated time.Time
	Peers     []PeerInfo
	Transfers []store.TransferRecord
	Handoffs  []store.Handoff
	Issues    []Issue
}

// Build collects the report from the store
func Build(ctx context.Context, s *store.Store) (*Report, error) {
	transfers, err := s.Transfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading transfers: %w", err)
	}
	handoffs, err := s.Handoffs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("error loading handoffs: %w", err)
	}

	r := &Report{
		Generated: time.Now(),
		Transfers: transfers,
		Handoffs:  handoffs,
	}
	r.Peers = buildPeers(transfers, handoffs)
	r.Issues = detectIssues(transfers)
	return r, nil
}

// Generate writes the report into dir and returns its path
func Generate(ctx context.Context, s *store.Store, dir string) (string, *Report, error) {
	r, err := Build(ctx, s)
	if err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, err
	}
	timestamp := r.Generated.Format("2006-01-02_15-04-05")
	reportPath := filepath.Join(dir, fmt.Sprintf("report_%s.md", timestamp))
	if err := os.WriteFile(reportPath, []byte(r.Markdown()), 0644); err != nil {
		return "", nil, fmt.Errorf("error writing report: %w", err)
	}
	return reportPath, r, nil
}

func buildPeers(transfers []store.TransferRecord, handoffs []store.Handoff) []PeerInfo {
	byPeer := make(map[string]*PeerInfo)
	peer := func(addr string) *PeerInfo {
		if addr == "" {
			addr = "(unknown)"
		}
		info, ok := byPeer[addr]
		if !ok {
			info = &PeerInfo{Address: addr}
			byPeer[addr] = info
		}
		return info
	}

	for _, t := range transfers {
		info := peer(t.Peer)
		switch t.Status {
		case "completed":
			info.Completed++
		case "failed":
			info.Failed++
		case "cancelled":
			info.Cancelled++
		}
		info.BytesSent += t.Sent
	}
	for _, h := range handoffs {
		info := peer(h.Peer)
		info.Handoffs++
		info.HandoffsBytes += h.Size
	}

	peers := make([]PeerInfo, 0, len(byPeer))
	for _, info := range byPeer {
		peers = append(peers, *info)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	return peers
}

func detectIssues(transfers []store.TransferRecord) []Issue {
	var issues []Issue
	for _, t := range transfers {
		switch {
		case t.Status == "failed":
			issues = append(issues, Issue{
				Severity:    "ERROR",
				Peer:        t.Peer,
				JobID:       t.ID,
				Description: fmt.Sprintf("transfer %s to %s failed after %d of %d bytes: %s", util.ShortAddr(t.ID), t.Peer, t.Sent, t.Total, t.Error),
			})
		case t.Status == "completed" && t.Sent != t.Total:
			issues = append(issues, Issue{
				Severity:    "ERROR",
				Peer:        t.Peer,
				JobID:       t.ID,
				Description: fmt.Sprintf("transfer %s completed with %d of %d bytes", util.ShortAddr(t.ID), t.Sent, t.Total),
			})
		case t.Status == "cancelled":
			issues = append(issues, Issue{
				Severity:    "WARNING",
				Peer:        t.Peer,
				JobID:       t.ID,
				Description: fmt.Sprintf("transfer %s cancelled at %d of %d bytes", util.ShortAddr(t.ID), t.Sent, t.Total),
			})
		}
	}
	return issues
}

// Markdown renders the report
func (r *Report) Markdown() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Link Report: %s\n\n", r.Generated.Format("2006-01-02 15:04:05")))

	sb.WriteString("## Peers\n\n")
	if len(r.Peers) == 0 {
		sb.WriteString("No peers recorded.\n\n")
	}
	for _, p := range r.Peers {
		sb.WriteString(fmt.Sprintf("- **%s** - transfers: %d completed, %d failed, %d cancelled (%d bytes) - handoffs: %d (%d bytes)\n",
			p.Address, p.Completed, p.Failed, p.Cancelled, p.BytesSent, p.Handoffs, p.HandoffsBytes))
	}
	sb.WriteString("\n")

	sb.WriteString("## Transfers\n\n")
	if len(r.Transfers) > 0 {
		sb.WriteString("| Job | Role | Peer | Status | Bytes | Chunk |\n")
		sb.WriteString("|-----|------|------|--------|-------|-------|\n")
		for _, t := range r.Transfers {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %d/%d | %d |\n",
				util.ShortAddr(t.ID), t.Role, t.Peer, t.Status, t.Sent, t.Total, t.ChunkSize))
		}
	} else {
		sb.WriteString("No transfers recorded.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Handoffs\n\n")
	if len(r.Handoffs) > 0 {
		sb.WriteString("| Received | Peer | Bytes |\n")
		sb.WriteString("|----------|------|-------|\n")
		for _, h := range r.Handoffs {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d |\n", h.CreatedAt.Format(time.RFC3339), h.Peer, h.Size))
		}
	} else {
		sb.WriteString("No handoffs recorded.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Issues\n\n")
	if len(r.Issues) == 0 {
		sb.WriteString("✅ No issues found.\n")
	}
	for _, issue := range r.Issues {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", issue.Severity, issue.Description))
	}

	return sb.String()
}
