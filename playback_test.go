package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakePlayer records play/stop calls against a shared event log so tests can
// assert ordering across players.
type fakePlayer struct {
	id     string
	events *eventLog
	onDone func()
	dur    time.Duration
}

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.entries...)
}

func (p *fakePlayer) Play(ctx context.Context) error {
	p.events.add("play:" + p.id)
	return nil
}

func (p *fakePlayer) Stop() error {
	p.events.add("stop:" + p.id)
	return nil
}

func (p *fakePlayer) Position() time.Duration { return time.Second }
func (p *fakePlayer) Duration() time.Duration { return p.dur }

func audioMsg(id string) Message {
	return Message{
		ID:         id,
		SenderID:   "user-2",
		Kind:       KindAudio,
		Attachment: &Attachment{URL: "https://cdn.example.com/" + id + ".m4a", Duration: 4},
	}
}

// ============================================================================
// Playback Controller
// ============================================================================

func TestPlaybackToggle(t *testing.T) {
	t.Run("starts and stops the same clip", func(t *testing.T) {
		log := &eventLog{}
		pc := NewPlaybackController(func(att *Attachment, onDone func()) (AudioPlayer, error) {
			return &fakePlayer{id: "a", events: log, onDone: onDone, dur: 4 * time.Second}, nil
		}, zerolog.Nop())

		msg := audioMsg("msg-a")
		if err := pc.Toggle(context.Background(), msg); err != nil {
			t.Fatalf("toggle: %v", err)
		}
		if pc.ActiveID() != "msg-a" {
			t.Fatalf("expected msg-a active, got %q", pc.ActiveID())
		}

		if err := pc.Toggle(context.Background(), msg); err != nil {
			t.Fatalf("toggle stop: %v", err)
		}
		if pc.ActiveID() != "" {
			t.Fatal("expected no active clip after toggle-stop")
		}

		want := []string{"play:a", "stop:a"}
		got := log.all()
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("switching clips stops the old one first", func(t *testing.T) {
		log := &eventLog{}
		pc := NewPlaybackController(func(att *Attachment, onDone func()) (AudioPlayer, error) {
			id := att.URL[len(att.URL)-9 : len(att.URL)-4] // msg id embedded in URL
			return &fakePlayer{id: id, events: log, onDone: onDone}, nil
		}, zerolog.Nop())

		if err := pc.Toggle(context.Background(), audioMsg("msg-a")); err != nil {
			t.Fatalf("toggle a: %v", err)
		}
		if err := pc.Toggle(context.Background(), audioMsg("msg-b")); err != nil {
			t.Fatalf("toggle b: %v", err)
		}

		got := log.all()
		want := []string{"play:msg-a", "stop:msg-a", "play:msg-b"}
		if len(got) != 3 {
			t.Fatalf("expected 3 events, got %v", got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("event %d: expected %s, got %s (full: %v)", i, want[i], got[i], got)
			}
		}
		if pc.ActiveID() != "msg-b" {
			t.Fatalf("expected msg-b active, got %q", pc.ActiveID())
		}
	})

	t.Run("missing attachment", func(t *testing.T) {
		pc := NewPlaybackController(nil, zerolog.Nop())
		err := pc.Toggle(context.Background(), Message{ID: "msg-x", Kind: KindText})
		if !errors.Is(err, ErrNoAttachment) {
			t.Fatalf("expected ErrNoAttachment, got %v", err)
		}
	})

	t.Run("factory error leaves nothing active", func(t *testing.T) {
		pc := NewPlaybackController(func(att *Attachment, onDone func()) (AudioPlayer, error) {
			return nil, errors.New("decoder missing")
		}, zerolog.Nop())

		if err := pc.Toggle(context.Background(), audioMsg("msg-a")); err == nil {
			t.Fatal("expected factory error")
		}
		if pc.ActiveID() != "" {
			t.Fatal("expected no active clip after factory failure")
		}
	})
}

func TestPlaybackCompletion(t *testing.T) {
	log := &eventLog{}
	var done func()
	pc := NewPlaybackController(func(att *Attachment, onDone func()) (AudioPlayer, error) {
		done = onDone
		return &fakePlayer{id: "a", events: log}, nil
	}, zerolog.Nop())

	if err := pc.Toggle(context.Background(), audioMsg("msg-a")); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	done() // clip ran out on its own
	if pc.ActiveID() != "" {
		t.Fatal("expected auto-release on completion")
	}

	// A late completion callback from the old player must not clobber the
	// clip that took over.
	if err := pc.Toggle(context.Background(), audioMsg("msg-a")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	staleDone := done
	if err := pc.Toggle(context.Background(), audioMsg("msg-b")); err != nil {
		t.Fatalf("switch: %v", err)
	}
	staleDone()
	if pc.ActiveID() != "msg-b" {
		t.Fatalf("stale completion released the wrong clip; active=%q", pc.ActiveID())
	}
}

func TestPlaybackStatus(t *testing.T) {
	pc := NewPlaybackController(func(att *Attachment, onDone func()) (AudioPlayer, error) {
		return &fakePlayer{id: "a", events: &eventLog{}, dur: 4 * time.Second}, nil
	}, zerolog.Nop())

	if _, _, playing := pc.Status("msg-a"); playing {
		t.Fatal("nothing should be playing yet")
	}

	if err := pc.Toggle(context.Background(), audioMsg("msg-a")); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	pos, dur, playing := pc.Status("msg-a")
	if !playing {
		t.Fatal("expected msg-a playing")
	}
	if pos != time.Second || dur != 4*time.Second {
		t.Fatalf("unexpected status pos=%s dur=%s", pos, dur)
	}
	if _, _, playing := pc.Status("msg-b"); playing {
		t.Fatal("inactive message must report not playing")
	}

	pc.StopAll()
	if _, _, playing := pc.Status("msg-a"); playing {
		t.Fatal("expected stopped after StopAll")
	}
}
