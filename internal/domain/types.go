package domain

// ClusterID identifies one peer in a multi-writer deployment.
type ClusterID string

// GrainRef is the stable identity of one logical actor instance. The log
// key space is (GrainType, GrainID); positions within a stream are 1-based
// with no gaps.
type GrainRef struct {
	GrainType string
	GrainID   string
}

func (g GrainRef) String() string {
	return g.GrainType + "/" + g.GrainID
}

// WriteBits is the per-cluster write-toggle bitmap embedded in a snapshot
// record. It is not a counter: parity alone is what matters. Each successful
// write by a cluster flips that cluster's bit, which makes the bitmap a
// witness for appends whose outcome was ambiguous.
type WriteBits map[ClusterID]bool

func (w WriteBits) Get(c ClusterID) bool {
	return w[c]
}

func (w WriteBits) Flip(c ClusterID) {
	w[c] = !w[c]
}

func (w WriteBits) Clone() WriteBits {
	out := make(WriteBits, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// SnapshotRecord is the value persisted in the snapshot store: the
// materialised view, the position of the last entry reflected in it, and the
// write-toggle bitmap.
type SnapshotRecord[V any] struct {
	Snapshot        V         `json:"snapshot"`
	SnapshotVersion int       `json:"snapshot_version"`
	WriteBits       WriteBits `json:"write_bits"`
}

// UpdateNotification announces a remote cluster's successful write. Version
// is the post-apply version; Updates[i] corresponds to log position
// Version-len(Updates)+1+i. Notifications are an optimisation over
// authoritative storage, never a substitute for it.
type UpdateNotification[E any] struct {
	Origin  ClusterID
	Version int
	Updates []E
	Etag    string
}

// FirstPosition is the version the notification builds on,
// Version-len(Updates): one before the log position of Updates[0]. The
// adaptor's notification queue is keyed by it.
func (n UpdateNotification[E]) FirstPosition() int {
	return n.Version - len(n.Updates)
}
