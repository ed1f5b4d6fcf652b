package gameserver

import (
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"roomnet"
	"roomnet/pool"
)

// ViewRegistry maps view IDs to the live views of one room. It is the only
// room structure touched outside the update loop, so every method locks.
//
// Unregistered IDs are not reused until ReleasePending runs at the end of the
// tick, so a message already in flight never resolves to a recycled view.
type ViewRegistry struct {
	log      *zap.Logger
	views    *pool.Table[*NetworkView]
	released []roomnet.ViewID

	// issued is every ID ever handed out or registered explicitly.
	issued map[roomnet.ViewID]struct{}

	mux deadlock.Mutex
}

// NewViewRegistry returns a registry handing out at most maxViews IDs.
func NewViewRegistry(log *zap.Logger, maxViews int) *ViewRegistry {
	views := pool.New[*NetworkView](pool.WithLimit(maxViews + 1))
	views.Reserve(int(roomnet.NoView))
	return &ViewRegistry{log: log, views: views, issued: make(map[roomnet.ViewID]struct{})}
}

// RegisterNewView allocates an ID for v. The caller assigns it to the view.
func (r *ViewRegistry) RegisterNewView(v *NetworkView) (roomnet.ViewID, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	id, err := r.views.TryAdd(v)
	if err != nil {
		return roomnet.NoView, ErrTooManyViews
	}
	r.issued[roomnet.ViewID(id)] = struct{}{}
	return roomnet.ViewID(id), nil
}

// RegisterView stores v under an explicit ID. A live view already holding the
// ID is replaced, and the collision is logged.
func (r *ViewRegistry) RegisterView(id roomnet.ViewID, v *NetworkView) {
	if id == roomnet.NoView {
		r.log.Error("refusing to register view under reserved id 0")
		return
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	r.unrelease(id)
	r.issued[id] = struct{}{}
	if r.views.Set(int(id), v) {
		r.log.Error("duplicate view id registered, replacing previous view", zap.Uint16("view", id.Uint16()))
	}
}

func (r *ViewRegistry) Find(id roomnet.ViewID) (*NetworkView, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.views.Get(int(id))
}

// Unregister drops id. The ID becomes allocatable after ReleasePending.
func (r *ViewRegistry) Unregister(id roomnet.ViewID) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if !r.views.Has(int(id)) {
		return false
	}
	r.views.Reserve(int(id))
	r.released = append(r.released, id)
	return true
}

// ReleasePending returns every ID unregistered since the last call to the
// free list.
func (r *ViewRegistry) ReleasePending() {
	r.mux.Lock()
	defer r.mux.Unlock()

	for _, id := range r.released {
		r.views.Unreserve(int(id))
	}
	r.released = r.released[:0]
}

// Allocated reports whether id was ever handed out or registered. A lookup
// miss for such an ID may be a view that was just removed.
func (r *ViewRegistry) Allocated(id roomnet.ViewID) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	_, ok := r.issued[id]
	return ok
}

func (r *ViewRegistry) Len() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.views.Len()
}

func (r *ViewRegistry) unrelease(id roomnet.ViewID) {
	for i, rid := range r.released {
		if rid == id {
			r.released = append(r.released[:i], r.released[i+1:]...)
			return
		}
	}
}
