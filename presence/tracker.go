package presence

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dispatchgrid/consolehub/store"
	"github.com/dispatchgrid/consolehub/types"
)

const statusCacheSize = 1024

// Tracker maps abonent identity to online/offline status. It holds no state
// of its own apart from a small cache, every status change is persisted
// through the store before the caller broadcasts it.
type Tracker struct {
	store *store.Store

	// last status handed back as "changed", used to suppress duplicate
	// user_status broadcasts for the same transition
	lastStatus *lru.Cache
}

func NewTracker(st *store.Store) (*Tracker, error) {
	cache, err := lru.New(statusCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create status cache: %w", err)
	}
	return &Tracker{store: st, lastStatus: cache}, nil
}

// SetOnline marks the abonent online and clears its lastSeen timestamp. It
// reports whether the visible status changed, so the caller knows whether to
// broadcast. An unknown abonent id is a no-op.
func (t *Tracker) SetOnline(abonentId string) (bool, error) {
	return t.setStatus(abonentId, types.StatusOnline)
}

// SetOffline marks the abonent offline and stamps lastSeen. Calling it on an
// already-offline abonent refreshes lastSeen but reports no change.
func (t *Tracker) SetOffline(abonentId string) (bool, error) {
	return t.setStatus(abonentId, types.StatusOffline)
}

func (t *Tracker) setStatus(abonentId, status string) (bool, error) {
	known := false
	changed := false
	_, err := t.store.Update(func(ds *types.Dataset) error {
		abonent := ds.Abonent(abonentId)
		if abonent == nil {
			// presence never creates abonents, creation is a separate operation
			return nil
		}
		known = true
		changed = abonent.Online != (status == types.StatusOnline)
		if status == types.StatusOnline {
			abonent.Online = true
			abonent.LastSeen = nil
		} else {
			now := time.Now()
			abonent.Online = false
			abonent.LastSeen = &now
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not persist presence for %s: %w", abonentId, err)
	}
	if !known || !changed {
		return false, nil
	}
	if last, ok := t.lastStatus.Get(abonentId); ok && last.(string) == status {
		return false, nil
	}
	t.lastStatus.Add(abonentId, status)
	return true, nil
}
