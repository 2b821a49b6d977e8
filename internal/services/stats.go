package services

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"wgkeeper/internal/logging"
	"wgkeeper/internal/models"
)

// connectedWindow is how recent a handshake must be for the peer to count
// as connected in a cycle.
const connectedWindow = 3 * time.Minute

// handshakeFloor rejects epochs left over from a reset interface or clock.
var handshakeFloor = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type CycleReport struct {
	Skipped        bool `json:"skipped"`
	Updated        int  `json:"updated"`
	GhostsRemoved  int  `json:"ghosts_removed"`
	GhostFailures  int  `json:"ghost_failures"`
	UnknownRemoved int  `json:"unknown_removed"`
}

// StatsLoop merges live interface counters into the directory and removes
// disabled peers that are still live on the interface.
type StatsLoop struct {
	dir          Directory
	iface        InterfaceController
	interval     time.Duration
	pruneUnknown bool
	locks        *NameLocks
	logger       zerolog.Logger
	metrics      *Metrics
	now          func() time.Time

	group singleflight.Group
}

// NewStatsLoop builds the loop. locks must be the reconciler's, so ghost
// removal and lifecycle operations on one name never interleave.
func NewStatsLoop(dir Directory, iface InterfaceController, locks *NameLocks, interval time.Duration, pruneUnknown bool, metrics *Metrics, logger zerolog.Logger) *StatsLoop {
	if locks == nil {
		locks = NewNameLocks()
	}
	return &StatsLoop{
		dir:          dir,
		iface:        iface,
		locks:        locks,
		interval:     interval,
		pruneUnknown: pruneUnknown,
		metrics:      metrics,
		logger:       logger.With().Str("component", "stats").Logger(),
		now:          time.Now,
	}
}

// Run executes a cycle immediately and then on every tick until ctx is done.
func (s *StatsLoop) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("statistics loop started")
	s.runLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("statistics loop stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *StatsLoop) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("statistics cycle failed")
	}
}

// RunOnce runs one cycle. Concurrent callers share the cycle already in
// flight instead of starting another.
func (s *StatsLoop) RunOnce(ctx context.Context) (*CycleReport, error) {
	v, err, _ := s.group.Do("cycle", func() (any, error) {
		return s.cycle(ctx)
	})
	if err != nil {
		return nil, err
	}
	report := *v.(*CycleReport)
	return &report, nil
}

func (s *StatsLoop) cycle(ctx context.Context) (report *CycleReport, err error) {
	start := s.now()
	defer func() { s.observeCycle(start, report, err) }()

	snaps, err := s.iface.DumpPeers(ctx)
	if err != nil {
		// An unreachable interface is routine; the next tick tries again.
		s.logger.Debug().Err(err).Msg("interface dump failed, cycle skipped")
		return &CycleReport{Skipped: true}, nil
	}

	peers, err := s.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]*models.Peer, len(peers))
	disabled := make(map[string]*models.Peer)
	for i := range peers {
		p := &peers[i]
		if p.Enabled {
			enabled[p.PublicKey] = p
		} else {
			disabled[p.PublicKey] = p
		}
	}

	report = &CycleReport{}
	now := s.now()
	for _, snap := range snaps {
		switch {
		case enabled[snap.PublicKey] != nil:
			p := enabled[snap.PublicKey]
			written, err := s.dir.UpdateStats(ctx, p.Name, parseSnapshot(snap, now))
			if err != nil {
				s.logger.Warn().Err(err).Str("peer", p.Name).Msg("failed to store peer statistics")
				continue
			}
			if written {
				report.Updated++
			}

		case disabled[snap.PublicKey] != nil:
			switch s.removeGhost(ctx, disabled[snap.PublicKey].Name, snap.PublicKey) {
			case ghostRemoved:
				report.GhostsRemoved++
			case ghostFailed:
				report.GhostFailures++
			}

		case s.pruneUnknown:
			if err := s.iface.RemovePeer(ctx, snap.PublicKey); err != nil {
				s.logger.Warn().Err(err).Str("public_key", logging.ShortKey(snap.PublicKey)).Msg("failed to prune unknown peer")
				continue
			}
			report.UnknownRemoved++
			s.logger.Info().Str("public_key", logging.ShortKey(snap.PublicKey)).Msg("unknown peer pruned from interface")
		}
	}
	return report, nil
}

type ghostOutcome int

const (
	ghostSkipped ghostOutcome = iota
	ghostRemoved
	ghostFailed
)

// removeGhost takes a disabled peer's key off the interface. The record is
// re-read under the peer's lock because the listing may be stale: a peer
// enabled since then is left alone. A key that no record owns any more
// (deleted or re-keyed peer) is removed as well.
func (s *StatsLoop) removeGhost(ctx context.Context, name, publicKey string) ghostOutcome {
	unlock := s.locks.Lock(name)
	defer unlock()

	log := s.logger.With().Str("peer", name).Str("public_key", logging.ShortKey(publicKey)).Logger()

	p, err := s.dir.GetByName(ctx, name)
	switch {
	case errors.Is(err, models.ErrNotFound):
		p = nil
	case err != nil:
		log.Warn().Err(err).Msg("failed to re-read ghost peer")
		return ghostFailed
	case p.Enabled && p.PublicKey == publicKey:
		log.Debug().Msg("peer enabled since listing, left on interface")
		return ghostSkipped
	}

	if err := s.iface.RemovePeer(ctx, publicKey); err != nil {
		log.Warn().Err(err).Msg("failed to remove ghost peer")
		s.clearGhostStats(ctx, log, p)
		return ghostFailed
	}
	s.clearGhostStats(ctx, log, p)
	log.Info().Msg("ghost peer removed from interface")
	return ghostRemoved
}

func (s *StatsLoop) clearGhostStats(ctx context.Context, log zerolog.Logger, p *models.Peer) {
	if p == nil || p.Enabled {
		return
	}
	if err := s.dir.ClearStats(ctx, p.Name); err != nil {
		log.Warn().Err(err).Msg("failed to clear ghost peer statistics")
	}
}

func (s *StatsLoop) observeCycle(start time.Time, report *CycleReport, err error) {
	m := s.metrics
	if m == nil {
		return
	}
	m.cycleDuration.Observe(s.now().Sub(start).Seconds())
	switch {
	case err != nil:
		m.cycles.WithLabelValues("error").Inc()
	case report.Skipped:
		m.cycles.WithLabelValues("skipped").Inc()
	default:
		m.cycles.WithLabelValues("ok").Inc()
		m.statsUpdated.Add(float64(report.Updated))
		m.ghostsRemoved.Add(float64(report.GhostsRemoved))
		m.ghostFailures.Add(float64(report.GhostFailures))
		m.unknownRemoved.Add(float64(report.UnknownRemoved))
	}
}

// parseSnapshot converts raw interface fields into the values worth storing.
// Fields that do not parse are left out, except the counters which fall
// back to zero.
func parseSnapshot(snap models.PeerSnapshot, now time.Time) models.StatsPatch {
	var patch models.StatsPatch

	if epoch, err := strconv.ParseInt(strings.TrimSpace(snap.LastHandshakeEpoch), 10, 64); err == nil && epoch > 0 {
		hs := time.Unix(epoch, 0).UTC()
		if !hs.Before(handshakeFloor) && !hs.After(now) {
			patch.LastHandshakeAt = &hs
			if now.Sub(hs) <= connectedWindow {
				seen := now.UTC()
				patch.LastConnectionAt = &seen
			}
		}
	}

	if ep := strings.TrimSpace(snap.Endpoint); ep != "" && ep != "(none)" {
		host := ep
		if h, _, err := net.SplitHostPort(ep); err == nil {
			host = h
		}
		patch.LastSeenAddr = &host
	}

	patch.RxBytes = parseCounter(snap.RxBytes)
	patch.TxBytes = parseCounter(snap.TxBytes)
	return patch
}

func parseCounter(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
