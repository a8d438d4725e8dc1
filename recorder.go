package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Recorder Abstraction
// ============================================================================

// AudioRecorder is the platform recording backend. Start may fail with a
// *PermissionError when microphone access is denied; Stop finalizes the
// current take; Discard throws the current take away without finalizing.
type AudioRecorder interface {
	Start(ctx context.Context) error
	Stop() (*RecordedClip, error)
	Discard()
}

// RecordedClip is a finished recording on local disk.
type RecordedClip struct {
	Path     string
	Duration time.Duration
}

// ============================================================================
// Gesture Configuration
// ============================================================================

// GestureConfig tunes the press-and-hold recording gesture.
type GestureConfig struct {
	// DebounceDelay is how long the press must be held before the recorder
	// starts. A release inside this window is a tap, not a recording.
	DebounceDelay time.Duration
	// CancelThreshold is how far left (in points) the press must slide from
	// its origin to arm slide-to-cancel. Sliding back disarms it.
	CancelThreshold float64
	// MinClipDuration discards clips shorter than this on release.
	MinClipDuration time.Duration
	// ElapsedTick is the interval between elapsed-time callbacks.
	ElapsedTick time.Duration
}

func (c *GestureConfig) defaults() {
	if c.DebounceDelay == 0 {
		c.DebounceDelay = 300 * time.Millisecond
	}
	if c.CancelThreshold == 0 {
		c.CancelThreshold = 80
	}
	if c.MinClipDuration == 0 {
		c.MinClipDuration = 1 * time.Second
	}
	if c.ElapsedTick == 0 {
		c.ElapsedTick = 1 * time.Second
	}
}

// GestureState is the recording gesture's position in its lifecycle.
type GestureState string

const (
	// GestureIdle means no press is active.
	GestureIdle GestureState = "idle"
	// GestureArming means the press is held but the debounce window has not
	// elapsed yet; no recorder has started.
	GestureArming GestureState = "arming"
	// GestureRecording means the recorder is running.
	GestureRecording GestureState = "recording"
)

// ============================================================================
// Recording Gesture
// ============================================================================

// RecordingGesture drives an AudioRecorder from press/move/release input.
// A press arms a debounce timer; only a hold that outlives it starts the
// recorder, so a quick tap never touches the microphone. While recording,
// sliding left past the cancel threshold arms slide-to-cancel, and the
// elapsed ticker fires once per tick. Every path out of recording stops the
// ticker and either finalizes or discards the take.
type RecordingGesture struct {
	rec    AudioRecorder
	config *GestureConfig
	onClip func(*RecordedClip)

	mu          sync.Mutex
	state       GestureState
	originX     float64
	cancelArmed bool
	startedAt   time.Time
	debounce    *time.Timer
	tickerStop  chan struct{}
	busy        bool

	onElapsed     func(time.Duration)
	onCancelArmed func(bool)
	onError       func(error)

	log zerolog.Logger
}

// NewRecordingGesture builds a gesture around rec. onClip receives every
// finished clip that survives the cancel and minimum-duration checks.
func NewRecordingGesture(rec AudioRecorder, config *GestureConfig, onClip func(*RecordedClip), log zerolog.Logger) *RecordingGesture {
	cfg := GestureConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	return &RecordingGesture{
		rec:    rec,
		config: &cfg,
		onClip: onClip,
		state:  GestureIdle,
		log:    log.With().Str("component", "recorder").Logger(),
	}
}

// OnElapsed sets the handler called once per tick while recording.
func (g *RecordingGesture) OnElapsed(h func(elapsed time.Duration)) {
	g.mu.Lock()
	g.onElapsed = h
	g.mu.Unlock()
}

// OnCancelArmed sets the handler called when slide-to-cancel arms or disarms.
func (g *RecordingGesture) OnCancelArmed(h func(armed bool)) {
	g.mu.Lock()
	g.onCancelArmed = h
	g.mu.Unlock()
}

// OnError sets the handler for recorder start failures, including
// *PermissionError when microphone access is denied.
func (g *RecordingGesture) OnError(h func(error)) {
	g.mu.Lock()
	g.onError = h
	g.mu.Unlock()
}

// State returns the current gesture state.
func (g *RecordingGesture) State() GestureState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// PressDown begins a press at horizontal position x. Presses are ignored
// while a previous clip is still being handed off or the gesture is not idle.
func (g *RecordingGesture) PressDown(x float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != GestureIdle || g.busy {
		return
	}
	g.state = GestureArming
	g.originX = x
	g.cancelArmed = false
	g.debounce = time.AfterFunc(g.config.DebounceDelay, g.arm)
}

// Move updates the press position. It only matters while recording, where it
// arms or disarms slide-to-cancel against the press origin.
func (g *RecordingGesture) Move(x float64) {
	g.mu.Lock()
	if g.state != GestureRecording {
		g.mu.Unlock()
		return
	}
	armed := g.originX-x >= g.config.CancelThreshold
	changed := armed != g.cancelArmed
	g.cancelArmed = armed
	h := g.onCancelArmed
	g.mu.Unlock()

	if changed && h != nil {
		h(armed)
	}
}

// Release ends the press. From arming it is a tap and nothing happens; from
// recording it finalizes the take unless slide-to-cancel is armed or the
// clip is shorter than the configured minimum.
func (g *RecordingGesture) Release() {
	g.mu.Lock()

	switch g.state {
	case GestureArming:
		g.stopDebounceLocked()
		g.state = GestureIdle
		g.mu.Unlock()
		return

	case GestureRecording:
		g.stopTickerLocked()
		cancelled := g.cancelArmed
		g.cancelArmed = false
		g.state = GestureIdle
		g.busy = true
		g.mu.Unlock()

		if cancelled {
			g.rec.Discard()
			g.log.Debug().Msg("recording cancelled by slide")
			g.clearBusy()
			return
		}

		clip, err := g.rec.Stop()
		if err != nil || clip == nil {
			g.log.Warn().Err(err).Msg("recorder stop failed")
			g.clearBusy()
			return
		}
		if clip.Duration < g.config.MinClipDuration {
			g.log.Debug().Dur("duration", clip.Duration).Msg("clip too short, discarded")
			g.clearBusy()
			return
		}

		go func() {
			if g.onClip != nil {
				g.onClip(clip)
			}
			g.clearBusy()
		}()
		return

	default:
		g.mu.Unlock()
		return
	}
}

// Terminate aborts the gesture from any state, discarding an in-progress
// take. The session calls this on Close.
func (g *RecordingGesture) Terminate() {
	g.mu.Lock()
	g.stopDebounceLocked()
	g.stopTickerLocked()
	prev := g.state
	g.state = GestureIdle
	g.cancelArmed = false
	g.mu.Unlock()

	if prev == GestureRecording {
		g.rec.Discard()
	}
}

// arm fires when the debounce window elapses with the press still held.
func (g *RecordingGesture) arm() {
	g.mu.Lock()
	if g.state != GestureArming {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.rec.Start(ctx)

	g.mu.Lock()
	if g.state != GestureArming {
		// Released while the recorder was starting up.
		g.mu.Unlock()
		if err == nil {
			g.rec.Discard()
		}
		return
	}
	if err != nil {
		g.state = GestureIdle
		h := g.onError
		g.mu.Unlock()
		g.log.Warn().Err(err).Msg("recorder start failed")
		if h != nil {
			h(err)
		}
		return
	}

	g.state = GestureRecording
	g.startedAt = time.Now()
	stop := make(chan struct{})
	g.tickerStop = stop
	startedAt := g.startedAt
	g.mu.Unlock()

	go g.tickLoop(stop, startedAt)
}

func (g *RecordingGesture) tickLoop(stop chan struct{}, startedAt time.Time) {
	ticker := time.NewTicker(g.config.ElapsedTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			h := g.onElapsed
			recording := g.state == GestureRecording
			g.mu.Unlock()
			if !recording {
				return
			}
			if h != nil {
				h(time.Since(startedAt))
			}
		}
	}
}

func (g *RecordingGesture) stopDebounceLocked() {
	if g.debounce != nil {
		g.debounce.Stop()
		g.debounce = nil
	}
}

func (g *RecordingGesture) stopTickerLocked() {
	if g.tickerStop != nil {
		close(g.tickerStop)
		g.tickerStop = nil
	}
}

func (g *RecordingGesture) clearBusy() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}
