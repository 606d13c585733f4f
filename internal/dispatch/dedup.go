package dispatch

import "sync"

// maxSeenUpdates bounds the per-bot dedup window.
const maxSeenUpdates = 1000

// dedup remembers recently seen update ids per bot, evicting the oldest
// once the window fills. Telegram ids are numeric, WhatsApp ids are
// opaque strings, so the key is a string either way.
type dedup struct {
	mu    sync.Mutex
	seen  map[string]map[string]struct{}
	order map[string][]string
}

func newDedup() *dedup {
	return &dedup{
		seen:  make(map[string]map[string]struct{}),
		order: make(map[string][]string),
	}
}

// Seen records an update id and reports whether it was already present.
func (d *dedup) Seen(botID, updateID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := d.seen[botID]
	if ids == nil {
		ids = make(map[string]struct{})
		d.seen[botID] = ids
	}
	if _, ok := ids[updateID]; ok {
		return true
	}
	ids[updateID] = struct{}{}
	d.order[botID] = append(d.order[botID], updateID)
	if len(d.order[botID]) > maxSeenUpdates {
		oldest := d.order[botID][0]
		d.order[botID] = d.order[botID][1:]
		delete(ids, oldest)
	}
	return false
}
