package adaptor

import (
	"context"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"logview/internal/domain"
	"logview/internal/logstore"
	"logview/internal/policy"
	"logview/internal/snapshotstore"
)

// ViewHost supplies the application callbacks the adaptor folds log entries
// with. The fold step is a capability, not a base class: the adaptor never
// interprets entries itself.
type ViewHost[V, E any] struct {
	// InitialView produces the view a fresh grain starts from.
	InitialView func() V
	// ApplyEntry folds one entry into the view in place. An error is treated
	// as a user-code exception: it is logged and the entry is skipped, so one
	// poisonous entry cannot halt replay of the whole log.
	ApplyEntry func(view *V, entry E) error
	// CopyView deep-copies a view. Snapshot state is never handed to the
	// application without passing through it.
	CopyView func(view V) V
}

// Config assembles one adaptor instance.
type Config[V, E any] struct {
	Grain     domain.GrainRef
	Cluster   domain.ClusterID
	Host      ViewHost[V, E]
	LogStore  logstore.LogStore[E]
	Snapshots snapshotstore.SnapshotStore[V]
	Policy    policy.SnapshotPolicy[V, E]

	// RetryDelay maps a retry attempt to a backoff delay. Zero-indexed.
	RetryDelay func(attempt int) time.Duration
	// EntriesEqual compares two entries; used by ambiguous-append recovery
	// when no snapshot carried the write-toggle. Defaults to
	// reflect.DeepEqual.
	EntriesEqual func(a, b E) bool
	// Logger receives caught user-code exceptions. Defaults to a logger that
	// discards its output.
	Logger *log.Logger
	// Notify, when set, receives a notification for every durably written
	// batch so a transport can announce it to peer clusters.
	Notify func(domain.UpdateNotification[E])
}

// Adaptor keeps one grain's confirmed view consistent with its append-only
// log across restarts, concurrent writer clusters, and partial storage
// failure. One instance is single-writer: the owning actor dispatches one
// logical operation at a time; Submit and OnNotificationReceived may
// interleave between suspension points and touch only their own queues.
type Adaptor[V, E any] struct {
	cfg Config[V, E]

	confirmedView    V
	confirmedVersion int
	globalVersion    int
	holder           snapshotstore.Holder[V]

	pendMu  sync.Mutex
	pending []E

	notifMu       sync.Mutex
	notifications map[int]domain.UpdateNotification[E]
	latestNotice  int

	issue *PrimaryIssue

	operationInProgress atomic.Bool
}

// New builds an adaptor and initializes the confirmed view from
// Host.InitialView. All versions start at zero with a fresh snapshot record.
func New[V, E any](cfg Config[V, E]) (*Adaptor[V, E], error) {
	if cfg.Grain.GrainType == "" || cfg.Grain.GrainID == "" {
		return nil, fmt.Errorf("grain identity is required")
	}
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("cluster id is required")
	}
	if cfg.Host.InitialView == nil || cfg.Host.ApplyEntry == nil || cfg.Host.CopyView == nil {
		return nil, fmt.Errorf("host callbacks are required")
	}
	if cfg.LogStore == nil || cfg.Snapshots == nil {
		return nil, fmt.Errorf("log store and snapshot store are required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.None[V, E]()
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.EntriesEqual == nil {
		cfg.EntriesEqual = func(a, b E) bool { return reflect.DeepEqual(a, b) }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	a := &Adaptor[V, E]{cfg: cfg, notifications: make(map[int]domain.UpdateNotification[E])}
	a.InitializeConfirmedView(cfg.Host.InitialView())
	return a, nil
}

// InitializeConfirmedView resets the adaptor to a fresh grain: the given
// view at version zero with an empty snapshot record.
func (a *Adaptor[V, E]) InitializeConfirmedView(initial V) {
	a.confirmedView = initial
	a.confirmedVersion = 0
	a.globalVersion = 0
	a.holder = snapshotstore.Holder[V]{
		State: domain.SnapshotRecord[V]{
			Snapshot:  a.cfg.Host.CopyView(initial),
			WriteBits: domain.WriteBits{},
		},
	}
}

// Submit queues one entry for the next write cycle. Safe to call between the
// owner's operations.
func (a *Adaptor[V, E]) Submit(entry E) {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	a.pending = append(a.pending, entry)
}

// PendingCount reports the number of queued, not yet durably appended
// entries.
func (a *Adaptor[V, E]) PendingCount() int {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	return len(a.pending)
}

// LastConfirmedView returns the view reconciled with durable storage up to
// ConfirmedVersion. The returned value is owned by the adaptor; callers
// treat it as read-only.
func (a *Adaptor[V, E]) LastConfirmedView() V { return a.confirmedView }

// ConfirmedVersion is the position of the last entry folded into the
// confirmed view.
func (a *Adaptor[V, E]) ConfirmedVersion() int { return a.confirmedVersion }

// GlobalVersion is the adaptor's best estimate of the log head.
func (a *Adaptor[V, E]) GlobalVersion() int { return a.globalVersion }

// Read reconciles local state with the snapshot and log stores. It is
// stubborn: storage failures are recorded on the issue marker and retried
// after backoff until one pass commits, or ctx is done.
func (a *Adaptor[V, E]) Read(ctx context.Context) error {
	a.enterOperation()
	defer a.leaveOperation()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.refreshOnce(ctx); err != nil {
			if err := a.sleepBeforeRetry(ctx); err != nil {
				return err
			}
			continue
		}
		a.resolveIssue()
		a.ProcessNotifications()
		return nil
	}
}

// refreshOnce performs one pass of the read protocol: snapshot, log head,
// catch-up. A log-read failure restarts from the snapshot read on the next
// pass; the snapshot may have moved under us since.
func (a *Adaptor[V, E]) refreshOnce(ctx context.Context) error {
	if err := a.cfg.Snapshots.ReadState(ctx, a.cfg.Grain, &a.holder); err != nil {
		a.recordIssue(ReadFromSnapshotStorageFailed, err)
		return err
	}
	if a.holder.State.WriteBits == nil {
		a.holder.State.WriteBits = domain.WriteBits{}
	}
	if a.holder.State.SnapshotVersion > a.confirmedVersion {
		a.confirmedVersion = a.holder.State.SnapshotVersion
		a.confirmedView = a.cfg.Host.CopyView(a.holder.State.Snapshot)
	}

	head, err := a.cfg.LogStore.LastVersion(ctx, a.cfg.Grain)
	if err != nil {
		a.recordIssue(ReadFromLogStorageFailed, err)
		return err
	}
	if head > a.globalVersion {
		a.globalVersion = head
	}
	if a.confirmedVersion > a.globalVersion {
		a.globalVersion = a.confirmedVersion
	}

	if a.confirmedVersion < a.globalVersion {
		entries, err := a.cfg.LogStore.Read(ctx, a.cfg.Grain, a.confirmedVersion+1, a.globalVersion-a.confirmedVersion)
		if err != nil {
			a.recordIssue(ReadFromLogStorageFailed, err)
			return err
		}
		if len(entries) != a.globalVersion-a.confirmedVersion {
			err := fmt.Errorf("log segment [%d..%d] returned %d entries", a.confirmedVersion+1, a.globalVersion, len(entries))
			a.recordIssue(ReadFromLogStorageFailed, err)
			return err
		}
		a.applyEntries(entries)
	}
	return nil
}

// Write flushes the current submission batch and returns the number of
// entries durably appended, 0 when the batch remains queued for the next
// cycle. The returned error is non-nil only when ctx ends the attempt.
func (a *Adaptor[V, E]) Write(ctx context.Context) (int, error) {
	a.enterOperation()
	defer a.leaveOperation()

	updates := a.currentBatch()
	if len(updates) == 0 {
		a.ProcessNotifications()
		return 0, nil
	}
	prevGlobal := a.globalVersion

	// The toggle flips in the local snapshot record before the attempt; a
	// snapshot taken this cycle carries it as the write witness.
	intended := !a.holder.State.WriteBits.Get(a.cfg.Cluster)
	a.holder.State.WriteBits[a.cfg.Cluster] = intended

	logsAppended := false
	batchWritten := false

	head, err := a.cfg.LogStore.Append(ctx, a.cfg.Grain, updates, prevGlobal)
	if err == nil {
		a.globalVersion = head
		logsAppended = true
		a.applyEntries(updates)
		if a.cfg.Policy.ShouldTakeSnapshot(a.confirmedView, a.globalVersion, updates) {
			if err := a.writeSnapshot(ctx); err != nil {
				a.recordIssue(UpdateSnapshotStorageFailed, err)
			} else {
				batchWritten = true
				a.resolveIssue()
			}
		} else {
			batchWritten = true
			a.resolveIssue()
		}
	} else {
		a.recordIssue(UpdateLogStorageFailed, err)
	}

	if !batchWritten {
		if logsAppended {
			// The entries are durable; only the snapshot is stale. It rolls
			// forward on a later cycle, so the batch counts as written.
			batchWritten = true
		} else {
			confirmed, rerr := a.recoverUncertainAppend(ctx, prevGlobal, updates, intended)
			if rerr != nil {
				a.holder.State.WriteBits[a.cfg.Cluster] = !intended
				return 0, rerr
			}
			batchWritten = confirmed
		}
	}

	if !batchWritten {
		// Concluded non-effect: the batch stays queued and the toggle
		// reverts, so the next cycle flips it exactly once again.
		a.holder.State.WriteBits[a.cfg.Cluster] = !intended
		return 0, nil
	}

	a.removeFromQueue(len(updates))
	if a.cfg.Notify != nil {
		a.cfg.Notify(domain.UpdateNotification[E]{
			Origin:  a.cfg.Cluster,
			Version: prevGlobal + len(updates),
			Updates: updates,
			Etag:    a.holder.Etag,
		})
	}
	a.ProcessNotifications()
	return len(updates), nil
}

// recoverUncertainAppend settles an append whose outcome is unknown. It
// re-reads snapshot and log exactly like Read, then cross-checks the
// persisted write-toggle against the intended value; a match proves a
// snapshot from this cycle landed, and with it the append. When no snapshot
// carried the toggle the log itself is consulted: a head at or past the
// expected positions holding entries equal to the submitted batch is the
// append taking effect.
func (a *Adaptor[V, E]) recoverUncertainAppend(ctx context.Context, prevGlobal int, updates []E, intended bool) (bool, error) {
	for {
		if err := a.sleepBeforeRetry(ctx); err != nil {
			return false, err
		}
		if err := a.refreshOnce(ctx); err != nil {
			continue
		}
		break
	}

	if a.holder.State.WriteBits.Get(a.cfg.Cluster) == intended {
		a.resolveIssue()
		return true, nil
	}

	if len(updates) > 0 && a.globalVersion >= prevGlobal+len(updates) {
		for {
			seg, err := a.cfg.LogStore.Read(ctx, a.cfg.Grain, prevGlobal+1, len(updates))
			if err != nil {
				a.recordIssue(ReadFromLogStorageFailed, err)
				if err := a.sleepBeforeRetry(ctx); err != nil {
					return false, err
				}
				continue
			}
			if a.segmentMatches(seg, updates) {
				a.holder.State.WriteBits[a.cfg.Cluster] = intended
				a.resolveIssue()
				return true, nil
			}
			return false, nil
		}
	}
	return false, nil
}

func (a *Adaptor[V, E]) segmentMatches(segment, updates []E) bool {
	if len(segment) != len(updates) {
		return false
	}
	for i := range segment {
		if !a.cfg.EntriesEqual(segment[i], updates[i]) {
			return false
		}
	}
	return true
}

// RetrieveLogSegment reads the closed inclusive range [from, to] from the
// log store.
func (a *Adaptor[V, E]) RetrieveLogSegment(ctx context.Context, from, to int) ([]E, error) {
	if to < from {
		return nil, nil
	}
	return a.cfg.LogStore.Read(ctx, a.cfg.Grain, from, to-from+1)
}

func (a *Adaptor[V, E]) writeSnapshot(ctx context.Context) error {
	a.holder.State.Snapshot = a.cfg.Host.CopyView(a.confirmedView)
	a.holder.State.SnapshotVersion = a.confirmedVersion
	return a.cfg.Snapshots.WriteState(ctx, a.cfg.Grain, &a.holder)
}

// applyEntries folds entries into the confirmed view in strictly increasing
// position order. A user-code error skips that entry; the fold continues.
func (a *Adaptor[V, E]) applyEntries(entries []E) {
	for _, e := range entries {
		if err := a.cfg.Host.ApplyEntry(&a.confirmedView, e); err != nil {
			a.cfg.Logger.Printf("grain %s: caught user code exception applying entry at position %d: %v",
				a.cfg.Grain, a.confirmedVersion+1, err)
		}
		a.confirmedVersion++
	}
}

func (a *Adaptor[V, E]) currentBatch() []E {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	return append([]E(nil), a.pending...)
}

func (a *Adaptor[V, E]) removeFromQueue(n int) {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	if n > len(a.pending) {
		n = len(a.pending)
	}
	a.pending = append([]E(nil), a.pending[n:]...)
}

func (a *Adaptor[V, E]) enterOperation() {
	if !a.operationInProgress.CompareAndSwap(false, true) {
		panic("logview: concurrent read/write on one adaptor instance")
	}
}

func (a *Adaptor[V, E]) leaveOperation() {
	a.operationInProgress.Store(false)
}
