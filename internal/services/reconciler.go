package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"wgkeeper/internal/logging"
	"wgkeeper/internal/models"
)

// Defaults applied to peer parameters the caller leaves out.
type Defaults struct {
	AllowedRoutes string
	DNS           string
	Keepalive     int
}

// Result is a committed directory change plus any interface convergence
// that failed afterwards. Warnings never mean the change was rolled back.
type Result struct {
	Peer     *models.Peer `json:"peer"`
	Warnings []string     `json:"warnings,omitempty"`
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Reconciler owns every peer lifecycle operation. The directory is written
// first; the live interface is then brought in line on a best-effort basis.
type Reconciler struct {
	dir      Directory
	iface    InterfaceController
	keys     KeyProvisioner
	pool     Pool
	defaults Defaults
	endpoint string
	port     int
	logger   zerolog.Logger
	metrics  *Metrics

	// Per-name locks serialize mutations of one record. Shared with the
	// statistics loop.
	locks *NameLocks
	// allocMu covers address allocation through record insert so two
	// concurrent creates never pick the same free slot.
	allocMu sync.Mutex
}

func NewReconciler(dir Directory, iface InterfaceController, keys KeyProvisioner, pool Pool, defaults Defaults, metrics *Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		dir:      dir,
		iface:    iface,
		keys:     keys,
		pool:     pool,
		defaults: defaults,
		metrics:  metrics,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		locks:    NewNameLocks(),
	}
}

func (r *Reconciler) lock(name string) func() {
	return r.locks.Lock(name)
}

// Locks returns the per-name locks so other writers of the directory can
// serialize with lifecycle operations.
func (r *Reconciler) Locks() *NameLocks {
	return r.locks
}

// SetServerAddress records the public endpoint clients dial, reported by
// ServerInfo.
func (r *Reconciler) SetServerAddress(endpoint string, port int) {
	r.endpoint = endpoint
	r.port = port
}

func (r *Reconciler) Ready(ctx context.Context) error {
	return r.dir.Ready(ctx)
}

func (r *Reconciler) Get(ctx context.Context, name string) (*models.Peer, error) {
	return r.dir.GetByName(ctx, models.NormalizeName(name))
}

// Reveal returns the full record including the private key.
func (r *Reconciler) Reveal(ctx context.Context, name string) (*models.Peer, error) {
	peer, err := r.dir.GetByName(ctx, models.NormalizeName(name))
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("peer", peer.Name).Msg("private key revealed")
	return peer, nil
}

func (r *Reconciler) List(ctx context.Context) ([]models.Peer, error) {
	return r.dir.List(ctx)
}

// Create provisions keys, allocates an address and stores a new peer, then
// pushes it to the interface when enabled.
func (r *Reconciler) Create(ctx context.Context, req CreateRequest) (res *Result, err error) {
	defer func() { r.metrics.observeOp("create", err) }()

	req.Name = models.NormalizeName(req.Name)
	if err := req.check(r.pool); err != nil {
		return nil, err
	}

	unlock := r.lock(req.Name)
	defer unlock()

	kp, err := r.keys.GenerateKeypair(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", req.Name, err)
	}

	peer := req.toPeer(r.defaults)
	peer.PublicKey = kp.PublicKey
	peer.PrivateKey = kp.PrivateKey

	if err := r.insert(ctx, peer, req.Address); err != nil {
		return nil, err
	}

	res = &Result{Peer: peer}
	r.logger.Info().Str("peer", peer.Name).Str("address", peer.Address).Bool("enabled", peer.Enabled).Msg("peer created")

	if peer.Enabled {
		r.push(ctx, "create", peer, res)
	}
	return res, nil
}

func (r *Reconciler) insert(ctx context.Context, peer *models.Peer, explicit string) error {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	if explicit != "" {
		peer.Address = explicit
	} else {
		used, err := r.dir.UsedAddresses(ctx)
		if err != nil {
			return fmt.Errorf("create %s: %w", peer.Name, err)
		}
		addr, err := AllocateNext(r.pool, used)
		if err != nil {
			return fmt.Errorf("create %s: %w", peer.Name, err)
		}
		peer.Address = addr
	}
	return r.dir.Create(ctx, peer)
}

func (r *Reconciler) Enable(ctx context.Context, name string) (res *Result, err error) {
	defer func() { r.metrics.observeOp("enable", err) }()
	name = models.NormalizeName(name)
	unlock := r.lock(name)
	defer unlock()

	if _, err := r.dir.GetByName(ctx, name); err != nil {
		return nil, err
	}
	return r.enableLocked(ctx, name)
}

func (r *Reconciler) enableLocked(ctx context.Context, name string) (*Result, error) {
	peer, err := r.dir.UpdateFields(ctx, name, map[string]any{"enabled": true})
	if err != nil {
		return nil, err
	}
	res := &Result{Peer: peer}
	r.logger.Info().Str("peer", name).Msg("peer enabled")
	r.push(ctx, "enable", peer, res)
	return res, nil
}

// Disable flips the flag and clears live statistics in one write, then
// removes the key from the interface. A failed removal is left to the
// statistics loop's ghost pass.
func (r *Reconciler) Disable(ctx context.Context, name string) (res *Result, err error) {
	defer func() { r.metrics.observeOp("disable", err) }()
	name = models.NormalizeName(name)
	unlock := r.lock(name)
	defer unlock()

	if _, err := r.dir.GetByName(ctx, name); err != nil {
		return nil, err
	}
	return r.disableLocked(ctx, name)
}

func (r *Reconciler) disableLocked(ctx context.Context, name string) (*Result, error) {
	cols := models.ClearedStatsColumns()
	cols["enabled"] = false
	peer, err := r.dir.UpdateFields(ctx, name, cols)
	if err != nil {
		return nil, err
	}
	res := &Result{Peer: peer}
	r.logger.Info().Str("peer", name).Msg("peer disabled")
	r.pull(ctx, "disable", name, peer.PublicKey, res)
	return res, nil
}

// Delete removes the peer from the interface (best effort) and then deletes
// the record regardless of the outcome.
func (r *Reconciler) Delete(ctx context.Context, name string) (res *Result, err error) {
	defer func() { r.metrics.observeOp("delete", err) }()
	name = models.NormalizeName(name)
	unlock := r.lock(name)
	defer unlock()

	peer, err := r.dir.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	res = &Result{Peer: peer}
	r.pull(ctx, "delete", name, peer.PublicKey, res)

	if err := r.dir.Delete(ctx, name); err != nil {
		return nil, err
	}
	r.logger.Info().Str("peer", name).Str("address", peer.Address).Msg("peer deleted")
	return res, nil
}

type BulkItem struct {
	Name     string   `json:"name"`
	Deleted  bool     `json:"deleted"`
	Address  string   `json:"address,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type BulkResult struct {
	Deleted int        `json:"deleted"`
	Items   []BulkItem `json:"items"`
}

// BulkDelete runs Delete for every name. It is not transactional: the
// result counts what was actually removed.
func (r *Reconciler) BulkDelete(ctx context.Context, names []string) *BulkResult {
	out := &BulkResult{Items: make([]BulkItem, 0, len(names))}
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := models.NormalizeName(raw)
		if seen[name] {
			continue
		}
		seen[name] = true

		item := BulkItem{Name: name}
		res, err := r.Delete(ctx, name)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Deleted = true
			item.Address = res.Peer.Address
			item.Warnings = res.Warnings
			out.Deleted++
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// Regenerate replaces the peer's keypair. Keys are provisioned first so a
// provisioning failure changes nothing. The old key then leaves the
// interface before the new one is added, so the interface never carries both.
// When the old key cannot be removed the new one is not pushed: a later
// Enable or Converge adds it, and the stale key goes with unknown-peer pruning.
func (r *Reconciler) Regenerate(ctx context.Context, name string) (res *Result, err error) {
	defer func() { r.metrics.observeOp("regenerate", err) }()
	name = models.NormalizeName(name)
	unlock := r.lock(name)
	defer unlock()

	old, err := r.dir.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	kp, err := r.keys.GenerateKeypair(ctx)
	if err != nil {
		return nil, fmt.Errorf("regenerate %s: %w", name, err)
	}

	res = &Result{}
	oldRemoved := r.pull(ctx, "regenerate", name, old.PublicKey, res)

	cols := models.ClearedStatsColumns()
	cols["public_key"] = kp.PublicKey
	cols["private_key"] = kp.PrivateKey
	peer, err := r.dir.UpdateFields(ctx, name, cols)
	if err != nil {
		if old.Enabled {
			// Put the old key back; the record still carries it.
			if perr := r.iface.UpsertPeer(ctx, specFor(old)); perr != nil {
				r.logger.Warn().Err(perr).Str("peer", name).Msg("failed to restore previous key after regenerate failure")
			}
		}
		return nil, err
	}
	res.Peer = peer
	r.logger.Info().Str("peer", name).Str("public_key", logging.ShortKey(peer.PublicKey)).Msg("peer keys regenerated")

	switch {
	case peer.Enabled && oldRemoved:
		r.push(ctx, "regenerate", peer, res)
	case peer.Enabled:
		r.logger.Warn().Str("peer", name).Str("old_public_key", logging.ShortKey(old.PublicKey)).
			Msg("new key not pushed while the previous key may still be live")
		res.warn("regenerate: new key not pushed because the previous key could not be removed")
	}
	return res, nil
}

// Update applies an allow-listed patch. Enabled and address changes go
// through the same convergence path as Enable/Disable.
func (r *Reconciler) Update(ctx context.Context, name string, patch UpdatePatch) (res *Result, err error) {
	defer func() { r.metrics.observeOp("update", err) }()
	name = models.NormalizeName(name)
	if err := patch.check(r.pool); err != nil {
		return nil, err
	}

	unlock := r.lock(name)
	defer unlock()

	current, err := r.dir.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	cols := patch.columns()
	addressChanged := patch.Address != nil && *patch.Address != current.Address
	keepaliveChanged := patch.KeepaliveSeconds != nil && *patch.KeepaliveSeconds != current.KeepaliveSeconds
	if !addressChanged {
		delete(cols, "address")
	}

	peer := current
	if len(cols) > 0 {
		if peer, err = r.dir.UpdateFields(ctx, name, cols); err != nil {
			return nil, err
		}
	}

	switch {
	case patch.Enabled != nil && *patch.Enabled && !current.Enabled:
		return r.enableLocked(ctx, name)
	case patch.Enabled != nil && !*patch.Enabled && current.Enabled:
		return r.disableLocked(ctx, name)
	}

	res = &Result{Peer: peer}
	if peer.Enabled && (addressChanged || keepaliveChanged) {
		r.push(ctx, "update", peer, res)
	}
	return res, nil
}

type ConvergeReport struct {
	Upserted int      `json:"upserted"`
	Removed  int      `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

// Converge pushes the whole directory onto the interface: enabled peers are
// upserted, disabled ones removed. Used at startup.
func (r *Reconciler) Converge(ctx context.Context) (*ConvergeReport, error) {
	peers, err := r.dir.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &ConvergeReport{}
	for i := range peers {
		p := &peers[i]
		if p.Enabled {
			if err := r.iface.UpsertPeer(ctx, specFor(p)); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", p.Name, err))
				continue
			}
			report.Upserted++
		} else {
			if err := r.iface.RemovePeer(ctx, p.PublicKey); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", p.Name, err))
				continue
			}
			report.Removed++
		}
	}
	r.logger.Info().Int("upserted", report.Upserted).Int("removed", report.Removed).Int("failed", len(report.Warnings)).Msg("directory converged onto interface")
	return report, nil
}

type ServerInfo struct {
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint"`
	Port      int    `json:"port"`
	Pool      string `json:"pool"`
	PoolStart int    `json:"pool_start"`
}

func (r *Reconciler) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	key, err := r.iface.LocalPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return &ServerInfo{
		PublicKey: key,
		Endpoint:  r.endpoint,
		Port:      r.port,
		Pool:      r.pool.String(),
		PoolStart: r.pool.Start,
	}, nil
}

func (r *Reconciler) push(ctx context.Context, op string, peer *models.Peer, res *Result) {
	if err := r.iface.UpsertPeer(ctx, specFor(peer)); err != nil {
		r.convergenceFailed(op, peer.Name, err, res)
	}
}

func (r *Reconciler) pull(ctx context.Context, op, name, publicKey string, res *Result) bool {
	if err := r.iface.RemovePeer(ctx, publicKey); err != nil {
		r.convergenceFailed(op, name, err, res)
		return false
	}
	return true
}

func (r *Reconciler) convergenceFailed(op, name string, err error, res *Result) {
	r.metrics.convergenceFailed(op)
	ev := r.logger.Warn().Err(err).Str("op", op).Str("peer", name)
	if errors.Is(err, models.ErrInterfaceUnavailable) {
		ev.Msg("interface not converged; directory change kept")
	} else {
		ev.Msg("interface update failed; directory change kept")
	}
	res.warn("%s: interface not updated: %v", op, err)
}
