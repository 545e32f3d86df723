package adaptor

import "logview/internal/domain"

// maxNotificationBatch caps how many updates a merged notification may
// carry. Anything larger is cheaper to repair through a read.
const maxNotificationBatch = 200

// Merge combines two notifications. Consecutive notifications from the same
// origin whose positions line up are concatenated; otherwise the one with
// the later version wins. The second return reports whether a concatenation
// happened.
func Merge[E any](older, newer domain.UpdateNotification[E]) (domain.UpdateNotification[E], bool) {
	if older.Origin == newer.Origin &&
		older.Version == newer.FirstPosition() &&
		len(older.Updates)+len(newer.Updates) < maxNotificationBatch {
		merged := domain.UpdateNotification[E]{
			Origin:  older.Origin,
			Version: newer.Version,
			Etag:    newer.Etag,
			Updates: append(append([]E(nil), older.Updates...), newer.Updates...),
		}
		return merged, true
	}
	if newer.Version >= older.Version {
		return newer, false
	}
	return older, false
}

// OnNotificationReceived ingests a remote update notification. It may
// interleave with a suspended Read or Write; it touches only the
// notification queue. Messages without updates fall through to version
// tracking only.
func (a *Adaptor[V, E]) OnNotificationReceived(n domain.UpdateNotification[E]) {
	a.notifMu.Lock()
	defer a.notifMu.Unlock()

	if n.Version > a.latestNotice {
		a.latestNotice = n.Version
	}
	if len(n.Updates) == 0 {
		return
	}

	key := n.FirstPosition()

	// A queued notification ending exactly where this one starts extends in
	// place under its own key.
	for pkey, prev := range a.notifications {
		if prev.Origin != n.Origin || prev.Version != key {
			continue
		}
		if merged, ok := Merge(prev, n); ok {
			a.notifications[pkey] = merged
			return
		}
	}

	if existing, ok := a.notifications[key]; ok {
		a.notifications[key], _ = Merge(existing, n)
		return
	}
	a.notifications[key] = n
}

// LatestNotifiedVersion is the highest version any notification has
// announced, including ones without update payloads.
func (a *Adaptor[V, E]) LatestNotifiedVersion() int {
	a.notifMu.Lock()
	defer a.notifMu.Unlock()
	return a.latestNotice
}

// NotificationCount reports the number of queued notifications.
func (a *Adaptor[V, E]) NotificationCount() int {
	a.notifMu.Lock()
	defer a.notifMu.Unlock()
	return len(a.notifications)
}

// ProcessNotifications drops every queued notification already covered by
// storage, then applies notifications in strict log order for as long as
// they are contiguous with the global version. It stops at the first gap; a
// later notification may fill it, or the next Read will. Runs on the
// adaptor's own task, never concurrently with Read or Write bodies.
func (a *Adaptor[V, E]) ProcessNotifications() {
	a.notifMu.Lock()
	defer a.notifMu.Unlock()

	for key := range a.notifications {
		if key < a.globalVersion {
			delete(a.notifications, key)
		}
	}

	if a.confirmedVersion != a.globalVersion {
		// A catch-up is pending; applying updates now would skip positions.
		return
	}

	for {
		n, ok := a.notifications[a.globalVersion]
		if !ok {
			return
		}
		delete(a.notifications, a.globalVersion)
		a.holder.State.WriteBits.Flip(n.Origin)
		a.holder.Etag = n.Etag
		a.applyEntries(n.Updates)
		a.globalVersion = n.Version
	}
}
