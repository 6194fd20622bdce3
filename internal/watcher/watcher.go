// Package watcher maintains lightweight per-room subscriptions for every
// room except the active one, counting unread inbound messages without
// materializing them into the message store.
package watcher

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/bus"
	"github.com/gfranco93/parley/internal/store"
)

// Inbound is the minimal shape of a message event a lightweight
// subscription observes.
type Inbound struct {
	RoomID    string
	MessageID string
	SenderID  int64
}

// Source opens a lightweight listen on a room. The returned cancel closes
// it. Implementations must not fetch history.
type Source interface {
	Listen(roomID string, fn func(Inbound)) (func(), error)
}

// Watcher reconciles a set of lightweight subscriptions against the room
// list. Enable/Disable are reference-counted so several UI regions can
// share one underlying subscription set; teardown happens only when the
// count returns to zero.
type Watcher struct {
	selfID int64
	rooms  *store.Rooms
	unread *store.Unread
	source Source
	logger *zap.Logger

	mu     sync.Mutex
	refs   int
	open   map[string]func()
	seen   map[string]map[string]struct{}
	busOff func()
}

func New(selfID int64, rooms *store.Rooms, unread *store.Unread, source Source, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		selfID: selfID,
		rooms:  rooms,
		unread: unread,
		source: source,
		logger: logger,
		open:   make(map[string]func()),
		seen:   make(map[string]map[string]struct{}),
	}
}

// Enable adds a reference and reconciles. The first reference opens the
// subscription set.
func (w *Watcher) Enable() {
	w.mu.Lock()
	w.refs++
	w.mu.Unlock()
	w.Reconcile()
}

// Disable drops a reference. When the count returns to zero all
// lightweight subscriptions are closed.
func (w *Watcher) Disable() {
	w.mu.Lock()
	if w.refs > 0 {
		w.refs--
	}
	zero := w.refs == 0
	w.mu.Unlock()
	if zero {
		w.closeAll()
	}
}

// Reconcile diffs the wanted room set (every room except the active one)
// against currently-open subscriptions: it closes subscriptions for rooms
// no longer wanted or just activated, and opens new ones for newly-wanted
// rooms. A no-op while disabled.
func (w *Watcher) Reconcile() {
	w.mu.Lock()
	if w.refs == 0 {
		w.mu.Unlock()
		return
	}
	active := w.rooms.Active()
	wanted := make(map[string]struct{})
	for _, id := range w.rooms.IDs() {
		if id != active {
			wanted[id] = struct{}{}
		}
	}

	var toClose []func()
	for id, cancel := range w.open {
		if _, ok := wanted[id]; !ok {
			toClose = append(toClose, cancel)
			delete(w.open, id)
		}
	}
	var toOpen []string
	for id := range wanted {
		if _, ok := w.open[id]; !ok {
			toOpen = append(toOpen, id)
		}
	}
	w.mu.Unlock()

	for _, cancel := range toClose {
		cancel()
	}
	for _, id := range toOpen {
		w.listen(id)
	}
}

func (w *Watcher) listen(roomID string) {
	cancel, err := w.source.Listen(roomID, func(in Inbound) {
		w.onInbound(roomID, in)
	})
	if err != nil {
		w.logger.Debug("background listen failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.refs == 0 || w.open[roomID] != nil {
		// Disabled or raced with another reconcile while dialing.
		w.mu.Unlock()
		cancel()
		return
	}
	w.open[roomID] = cancel
	w.mu.Unlock()
}

// onInbound counts one unseen, non-self message.
func (w *Watcher) onInbound(roomID string, in Inbound) {
	if in.SenderID == w.selfID || in.MessageID == "" {
		return
	}
	w.mu.Lock()
	set, ok := w.seen[roomID]
	if !ok {
		set = make(map[string]struct{})
		w.seen[roomID] = set
	}
	if _, dup := set[in.MessageID]; dup {
		w.mu.Unlock()
		return
	}
	set[in.MessageID] = struct{}{}
	w.mu.Unlock()

	w.unread.Increment(roomID)
}

// Start makes the watcher follow room-list and activation changes on the
// bus, reconciling after each. Stop undoes it.
func (w *Watcher) Start(b *bus.Bus) {
	ch, off := b.Subscribe("room.", 16)
	w.mu.Lock()
	w.busOff = off
	w.mu.Unlock()
	go func() {
		for range ch {
			w.Reconcile()
		}
	}()
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	off := w.busOff
	w.busOff = nil
	w.mu.Unlock()
	if off != nil {
		off()
	}
	w.closeAll()
}

func (w *Watcher) closeAll() {
	w.mu.Lock()
	open := w.open
	w.open = make(map[string]func())
	w.mu.Unlock()
	for _, cancel := range open {
		cancel()
	}
}

// Open reports the rooms currently watched. Test hook and status surface.
func (w *Watcher) Open() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.open))
	for id := range w.open {
		ids = append(ids, id)
	}
	return ids
}
