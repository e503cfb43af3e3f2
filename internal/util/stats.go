package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling traffic counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // connections accepted or dialed since start
	ClosedConns atomic.Int64 // connections closed since start
	BytesSent   atomic.Int64 // frame bytes written to sockets
	BytesRecv   atomic.Int64 // bytes read from sockets
	Relayed     atomic.Int64 // media packets forwarded between peers
	Dropped     atomic.Int64 // media packets with no live target
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRelayed()   { s.Relayed.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	TotalConns, ClosedConns int64
	BytesSent, BytesRecv    int64
	Relayed, Dropped        int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		TotalConns:  s.TotalConns.Load(),
		ClosedConns: s.ClosedConns.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		Relayed:     s.Relayed.Load(),
		Dropped:     s.Dropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter logs signaling activity every interval until ctx is
// cancelled. Quiet intervals are skipped. A non-positive interval disables
// the reporter.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, ok := formatDelta(prev, cur, interval); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatDelta describes the change between two snapshots. It reports false
// when nothing happened.
func formatDelta(prev, cur Snapshot, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	outS := float64(cur.BytesSent-prev.BytesSent) / secs
	inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
	opened := cur.TotalConns - prev.TotalConns
	closed := cur.ClosedConns - prev.ClosedConns
	relayed := cur.Relayed - prev.Relayed

	if opened == 0 && closed == 0 && relayed == 0 && inS <= 10 && outS <= 10 {
		return "", false
	}
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Relayed: %d (live %d)",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
		relayed,
		cur.TotalConns-cur.ClosedConns,
	), true
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders b in exactly 8 characters, e.g. "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
