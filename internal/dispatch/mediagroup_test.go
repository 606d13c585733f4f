package dispatch

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
)

func photoUpdate(updateID int, groupID, fileID, caption string) *telego.Update {
	return &telego.Update{
		UpdateID: updateID,
		Message: &telego.Message{
			Chat:         telego.Chat{ID: 1},
			MessageID:    updateID,
			MediaGroupID: groupID,
			Caption:      caption,
			Photo:        []telego.PhotoSize{{FileID: fileID}},
		},
	}
}

type flushRecorder struct {
	mu      sync.Mutex
	flushes []struct {
		botID string
		lead  *telego.Update
		extra []string
	}
	done chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{done: make(chan struct{}, 10)}
}

func (f *flushRecorder) flush(botID string, lead *telego.Update, extra []string) {
	f.mu.Lock()
	f.flushes = append(f.flushes, struct {
		botID string
		lead  *telego.Update
		extra []string
	}{botID, lead, extra})
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *flushRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("album never flushed")
	}
}

func TestMediaGroupCoalesces(t *testing.T) {
	rec := newFlushRecorder()
	m := newMediaGroups(rec.flush)

	if !m.Add("bot", photoUpdate(1, "g1", "p1", "")) {
		t.Fatal("first album member not buffered")
	}
	if !m.Add("bot", photoUpdate(2, "g1", "p2", "the caption")) {
		t.Fatal("second album member not buffered")
	}
	if !m.Add("bot", photoUpdate(3, "g1", "p3", "")) {
		t.Fatal("third album member not buffered")
	}

	rec.wait(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.flushes) != 1 {
		t.Fatalf("got %d flushes", len(rec.flushes))
	}
	got := rec.flushes[0]
	if got.botID != "bot" || got.lead.Message.Photo[0].FileID != "p1" {
		t.Fatalf("wrong lead: %+v", got)
	}
	if len(got.extra) != 2 || got.extra[0] != "p2" || got.extra[1] != "p3" {
		t.Fatalf("got extra %v", got.extra)
	}
	if got.lead.Message.Caption != "the caption" {
		t.Fatalf("caption not promoted to lead: %q", got.lead.Message.Caption)
	}
}

func TestMediaGroupIgnoresNonAlbum(t *testing.T) {
	m := newMediaGroups(func(string, *telego.Update, []string) {})

	plain := &telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: 1}, Text: "hi"}}
	if m.Add("bot", plain) {
		t.Fatal("non-album update buffered")
	}
}

func TestMediaGroupStopFlushesPending(t *testing.T) {
	rec := newFlushRecorder()
	m := newMediaGroups(rec.flush)

	if !m.Add("bot", photoUpdate(1, "g1", "p1", "")) {
		t.Fatal("first album member not buffered")
	}
	if !m.Add("bot", photoUpdate(2, "g1", "p2", "")) {
		t.Fatal("second album member not buffered")
	}

	// Shutdown before the quiet period elapses must still deliver the
	// buffered album, and the canceled timer must not flush it again.
	m.Stop()
	time.Sleep(2 * mediaGroupWait)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.flushes) != 1 {
		t.Fatalf("got %d flushes after Stop", len(rec.flushes))
	}
	got := rec.flushes[0]
	if got.lead.Message.Photo[0].FileID != "p1" || len(got.extra) != 1 || got.extra[0] != "p2" {
		t.Fatalf("wrong flushed album: lead=%+v extra=%v", got.lead, got.extra)
	}
}

func TestMediaGroupCapsBufferedGroups(t *testing.T) {
	rec := newFlushRecorder()
	m := newMediaGroups(rec.flush)
	defer m.Stop()

	for i := 0; i < maxMediaGroups; i++ {
		if !m.Add("bot", photoUpdate(i, "g"+strconv.Itoa(i), "p", "")) {
			t.Fatalf("group %d not buffered", i)
		}
	}
	// One album too many: the caller should handle it directly.
	if m.Add("bot", photoUpdate(99, "overflow", "p", "")) {
		t.Fatal("overflow album was buffered")
	}
}
