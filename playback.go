package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AudioPlayer is the platform playback backend for a single clip. Play
// starts playback and returns; the factory's completion callback fires when
// the clip runs out on its own.
type AudioPlayer interface {
	Play(ctx context.Context) error
	Stop() error
	Position() time.Duration
	Duration() time.Duration
}

// PlayerFactory builds a player for one attachment. onDone must be invoked
// exactly once if the clip plays to completion, and never after Stop.
type PlayerFactory func(att *Attachment, onDone func()) (AudioPlayer, error)

// PlaybackController plays at most one voice clip at a time. Toggling the
// active message stops it; toggling another message stops and releases the
// current player before the next one starts, so two clips never overlap.
type PlaybackController struct {
	factory PlayerFactory

	mu       sync.Mutex
	activeID string
	player   AudioPlayer

	log zerolog.Logger
}

// NewPlaybackController builds a controller around a platform player factory.
func NewPlaybackController(factory PlayerFactory, log zerolog.Logger) *PlaybackController {
	return &PlaybackController{
		factory: factory,
		log:     log.With().Str("component", "playback").Logger(),
	}
}

// Toggle plays msg's audio attachment, or stops it if it is already the
// active clip. Starting a clip while another is playing stops the old one
// first; the new clip only starts once the old player is fully released.
func (p *PlaybackController) Toggle(ctx context.Context, msg Message) error {
	if msg.Attachment == nil {
		return ErrNoAttachment
	}

	p.mu.Lock()
	if p.activeID == msg.ID {
		player := p.player
		p.activeID = ""
		p.player = nil
		p.mu.Unlock()
		if player != nil {
			return player.Stop()
		}
		return nil
	}

	prev := p.player
	p.activeID = ""
	p.player = nil
	p.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("previous player stop failed")
		}
	}

	id := msg.ID
	player, err := p.factory(msg.Attachment, func() {
		// Natural completion. Re-check ownership: a toggle may have raced
		// this callback and already moved on to another clip.
		p.mu.Lock()
		if p.activeID == id {
			p.activeID = ""
			p.player = nil
		}
		p.mu.Unlock()
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.activeID = id
	p.player = player
	p.mu.Unlock()

	if err := player.Play(ctx); err != nil {
		p.mu.Lock()
		if p.activeID == id {
			p.activeID = ""
			p.player = nil
		}
		p.mu.Unlock()
		return err
	}

	p.log.Debug().Str("message_id", id).Msg("playback started")
	return nil
}

// Status reports playback position for one message. playing is false for
// every message except the active one.
func (p *PlaybackController) Status(msgID string) (position, duration time.Duration, playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeID != msgID || p.player == nil {
		return 0, 0, false
	}
	return p.player.Position(), p.player.Duration(), true
}

// ActiveID returns the id of the message currently playing, or "".
func (p *PlaybackController) ActiveID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

// StopAll stops and releases the active player, if any.
func (p *PlaybackController) StopAll() {
	p.mu.Lock()
	player := p.player
	p.activeID = ""
	p.player = nil
	p.mu.Unlock()

	if player != nil {
		if err := player.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("player stop failed")
		}
	}
}
