package dispatch

import (
	"sync"
	"time"

	"github.com/mymmrac/telego"
)

const (
	// mediaGroupWait is how long a group waits for more album members
	// after each arrival before flushing.
	mediaGroupWait = 1500 * time.Millisecond
	// maxMediaGroups bounds concurrently buffered albums.
	maxMediaGroups = 10
	// maxPhotosPerGroup bounds one album's buffered photos.
	maxPhotosPerGroup = 10
)

// groupKey identifies one album for one bot.
type groupKey struct {
	botID   string
	groupID string
}

type groupBuffer struct {
	lead  *telego.Update
	extra []string
	timer *time.Timer
}

// mediaGroups coalesces Telegram album updates. The first update of a
// group becomes the lead; later photos contribute their file ids. Each
// arrival resets the flush timer, so a full album flushes once.
type mediaGroups struct {
	flush func(botID string, lead *telego.Update, extra []string)

	mu     sync.Mutex
	groups map[groupKey]*groupBuffer
}

func newMediaGroups(flush func(botID string, lead *telego.Update, extra []string)) *mediaGroups {
	return &mediaGroups{
		flush:  flush,
		groups: make(map[groupKey]*groupBuffer),
	}
}

// Add buffers an album update. Returns false when the update is not part
// of an album, or could not be buffered and should dispatch immediately.
func (m *mediaGroups) Add(botID string, update *telego.Update) bool {
	msg := update.Message
	if msg == nil || msg.MediaGroupID == "" || len(msg.Photo) == 0 {
		return false
	}
	key := groupKey{botID: botID, groupID: msg.MediaGroupID}

	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.groups[key]
	if !ok {
		if len(m.groups) >= maxMediaGroups {
			// Too many albums in flight: let the caller process this
			// update by itself.
			return false
		}
		buf = &groupBuffer{lead: update}
		buf.timer = time.AfterFunc(mediaGroupWait, func() { m.fire(key) })
		m.groups[key] = buf
		return true
	}

	if len(buf.extra) < maxPhotosPerGroup-1 {
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		buf.extra = append(buf.extra, fileID)
		// A caption can ride on any album member.
		if buf.lead.Message.Caption == "" && msg.Caption != "" {
			buf.lead.Message.Caption = msg.Caption
		}
	}
	buf.timer.Reset(mediaGroupWait)
	return true
}

// fire flushes one album after its quiet period.
func (m *mediaGroups) fire(key groupKey) {
	m.mu.Lock()
	buf, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.groups, key)
	m.mu.Unlock()

	m.flush(key.botID, buf.lead, buf.extra)
}

// Stop cancels pending timers and flushes every buffered album so no
// update is lost during shutdown.
func (m *mediaGroups) Stop() {
	m.mu.Lock()
	pending := make(map[groupKey]*groupBuffer, len(m.groups))
	for key, buf := range m.groups {
		buf.timer.Stop()
		pending[key] = buf
		delete(m.groups, key)
	}
	m.mu.Unlock()

	for key, buf := range pending {
		m.flush(key.botID, buf.lead, buf.extra)
	}
}
