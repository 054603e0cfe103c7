package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/security"
	"github.com/stakewatch/warden/pkg/storage"
	"github.com/stakewatch/warden/pkg/types"
)

// DefaultReplicaName is the file name replicas are stored under on
// relay hosts.
const DefaultReplicaName = "warden-backup.bin"

// retryInterval paces the opportunistic replication loop between kicks.
const retryInterval = 30 * time.Second

// Target is a relay host's replication endpoint. It stays valid across
// tunnel reconnects; Reachable reports whether an upload can be
// attempted right now.
type Target interface {
	Host() string
	Reachable() bool
	Upload(ctx context.Context, name string, data []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
}

// Manager owns the anti-slashing record: it is the only writer of the
// record in the store, the only holder of the backup encryption key,
// and the coordinator of replication to relay hosts.
type Manager struct {
	store  storage.Store
	cipher *security.Cipher
	broker *alerts.Broker
	logger zerolog.Logger

	// mu serializes export/import/fetch; the record has exactly one
	// writer at a time.
	mu sync.Mutex

	targetsMu sync.Mutex
	targets   []Target
	pending   map[string]bool

	kick chan struct{}
}

// NewManager creates a backup manager. The key is the 32-byte backup
// encryption subkey derived from the root key; it is held in memory
// only.
func NewManager(store storage.Store, key []byte, broker *alerts.Broker) (*Manager, error) {
	cipher, err := security.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("backup cipher: %w", err)
	}
	return &Manager{
		store:   store,
		cipher:  cipher,
		broker:  broker,
		logger:  log.WithComponent("backup"),
		pending: make(map[string]bool),
		kick:    make(chan struct{}, 1),
	}, nil
}

// SetTargets registers the replication endpoints. Called once at
// startup after the tunnel manager is constructed.
func (m *Manager) SetTargets(targets []Target) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	m.targets = targets
}

// Export packs dataDir into a new sealed record with the next version,
// persists it, and schedules replication. Only a verified export
// replaces the previous record: any failure leaves the stored record
// untouched and raises a safety-critical alert.
func (m *Manager) Export(dataDir string) (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.exportLocked(dataDir)
	if err != nil {
		m.broker.Raise(alerts.AlertExportFailed, types.KindSafetyCritical,
			fmt.Sprintf("anti-slashing export failed, previous record kept: %v", err))
		return nil, err
	}

	m.markAllPending()
	m.Kick()
	m.logger.Info().Uint64("version", rec.Version).Str("hash", rec.Hash).
		Msg("exported anti-slashing record")
	return rec, nil
}

func (m *Manager) exportLocked(dataDir string) (*types.Record, error) {
	if err := CheckDataDir(dataDir); err != nil {
		return nil, err
	}

	archive, err := Pack(dataDir)
	if err != nil {
		return nil, types.Classify(types.KindSafetyCritical, err)
	}

	version := uint64(1)
	if cur, err := m.store.GetRecord(); err == nil {
		version = cur.Version + 1
	} else if !errors.Is(err, types.ErrRecordMissing) {
		return nil, types.Classify(types.KindSafetyCritical, err)
	}

	now := time.Now().UTC()
	sealed, err := sealRecord(m.cipher, version, now, archive)
	if err != nil {
		return nil, types.Classify(types.KindSafetyCritical, err)
	}

	// Verify the seal before committing: the record we store must be
	// the record we can restore from.
	gotVersion, _, gotArchive, err := openRecord(m.cipher, sealed)
	if err != nil || gotVersion != version || archiveHash(gotArchive) != archiveHash(archive) {
		return nil, types.Classifyf(types.KindSafetyCritical,
			"export verification failed: %v", err)
	}

	rec := &types.Record{
		Version:   version,
		Data:      sealed,
		Hash:      archiveHash(archive),
		CreatedAt: now,
	}
	if err := m.store.SaveRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Import decrypts the current record and unpacks it into dataDir,
// before a validator start. Returns types.ErrRecordMissing when no
// record exists (first-ever run); corrupt records are safety-critical.
func (m *Manager) Import(dataDir string) (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetRecord()
	if err != nil {
		return nil, err
	}

	version, _, archive, err := openRecord(m.cipher, rec.Data)
	if err != nil {
		m.broker.Raise(alerts.AlertRecordCorrupt, types.KindSafetyCritical,
			fmt.Sprintf("stored record version %d failed to decrypt", rec.Version))
		return nil, err
	}
	if version != rec.Version || archiveHash(archive) != rec.Hash {
		m.broker.Raise(alerts.AlertRecordCorrupt, types.KindSafetyCritical,
			fmt.Sprintf("stored record version %d failed integrity check", rec.Version))
		return nil, types.Classify(types.KindSafetyCritical, types.ErrRecordCorrupt)
	}

	if err := Unpack(archive, dataDir); err != nil {
		return nil, types.Classify(types.KindSafetyCritical, err)
	}
	m.logger.Info().Uint64("version", rec.Version).Msg("imported anti-slashing record")
	return rec, nil
}

// Verify checks the stored record without unpacking it. Used at
// startup to decide whether auto-start is safe.
func (m *Manager) Verify() (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetRecord()
	if err != nil {
		return nil, err
	}
	version, _, archive, err := openRecord(m.cipher, rec.Data)
	if err != nil {
		return nil, err
	}
	if version != rec.Version || archiveHash(archive) != rec.Hash {
		return nil, types.Classify(types.KindSafetyCritical, types.ErrRecordCorrupt)
	}
	return rec, nil
}

// FetchRemote downloads the replica from one relay host and installs it
// if and only if it is valid and strictly newer than the local record.
// This never runs automatically: an operator may have intentionally
// moved the canonical state elsewhere, and pulling a replica on our own
// could double-run the validator.
func (m *Manager) FetchRemote(ctx context.Context, host string) (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.findTarget(host)
	if target == nil {
		return nil, types.ErrUnknownHost
	}

	sealed, err := target.Download(ctx, DefaultReplicaName)
	if err != nil {
		return nil, fmt.Errorf("download replica from %s: %w", host, err)
	}

	version, createdAt, archive, err := openRecord(m.cipher, sealed)
	if err != nil {
		return nil, err
	}

	rec := &types.Record{
		Version:   version,
		Data:      sealed,
		Hash:      archiveHash(archive),
		CreatedAt: createdAt,
	}
	if err := m.store.SaveRecord(rec); err != nil {
		if errors.Is(err, types.ErrVersionRegression) {
			m.broker.Raise(alerts.AlertVersionRegression, types.KindSafetyCritical,
				fmt.Sprintf("replica from %s has version %d, local is newer", host, version))
		}
		return nil, err
	}
	m.logger.Info().Str("relay", host).Uint64("version", version).
		Msg("installed remote replica")
	return rec, nil
}

// Replicate schedules replication of the current record to every
// target and kicks the loop. Used by the backup-now command.
func (m *Manager) Replicate() {
	m.markAllPending()
	m.Kick()
}

// NotifyTargetUp marks a reconnected target for retry. The tunnel
// manager calls this on every successful connect.
func (m *Manager) NotifyTargetUp(host string) {
	m.targetsMu.Lock()
	m.pending[host] = true
	m.targetsMu.Unlock()
	m.Kick()
}

// Kick nudges the replication loop without blocking.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run is the opportunistic replication loop. Pending targets are
// retried when their tunnel reconnects or on the pacing interval;
// replication never blocks export or the supervisor.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-ticker.C:
		}
		m.replicatePending(ctx)
	}
}

func (m *Manager) replicatePending(ctx context.Context) {
	rec, err := m.store.GetRecord()
	if err != nil {
		return
	}

	m.targetsMu.Lock()
	var due []Target
	for _, t := range m.targets {
		if m.pending[t.Host()] && t.Reachable() {
			due = append(due, t)
		}
	}
	m.targetsMu.Unlock()

	for _, t := range due {
		uploadCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := t.Upload(uploadCtx, DefaultReplicaName, rec.Data)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("relay", t.Host()).
				Msg("replica upload failed, will retry")
			continue
		}
		m.targetsMu.Lock()
		delete(m.pending, t.Host())
		m.targetsMu.Unlock()
		m.logger.Info().Str("relay", t.Host()).Uint64("version", rec.Version).
			Msg("replica uploaded")
	}
}

func (m *Manager) markAllPending() {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for _, t := range m.targets {
		m.pending[t.Host()] = true
	}
}

func (m *Manager) findTarget(host string) Target {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for _, t := range m.targets {
		if t.Host() == host {
			return t
		}
	}
	return nil
}

// PendingTargets reports hosts with replication outstanding.
func (m *Manager) PendingTargets() []string {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	hosts := make([]string, 0, len(m.pending))
	for h, p := range m.pending {
		if p {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
