package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a chat session.
type SessionConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	FlushInterval        time.Duration
	AckWait              time.Duration
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.AckWait == 0 {
		c.AckWait = defaultAckWait
	}
}

// SessionState represents the connection state of a chat session.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type sessionDispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(Message)
	onTyping       []func(senderID string, isTyping bool)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *sessionDispatcher) emitMessage(msg Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(msg)
	}
}

func (d *sessionDispatcher) emitTyping(senderID string, isTyping bool) {
	d.mu.RLock()
	handlers := append([]func(string, bool){}, d.onTyping...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(senderID, isTyping)
	}
}

func (d *sessionDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *sessionDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *sessionDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SessionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute earns a fresh backoff schedule.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Session
// ============================================================================

// Session is a live chat session between two users. It owns the message
// timeline, the pending-send queue, and the WebSocket connection, and keeps
// all three consistent: sends are inserted optimistically, queued until the
// server echoes them back, and reconciled in place when the echo arrives.
type Session struct {
	client     *Client
	senderID   string
	receiverID string
	config     *SessionConfig

	mu               sync.Mutex
	chatID           string
	conn             *websocket.Conn
	state            SessionState
	intentionalClose bool
	cancelFn         context.CancelFunc

	store      *Store
	queue      *pendingQueue
	dispatcher *sessionDispatcher
	recon      *reconnector

	playback *PlaybackController
	gesture  *RecordingGesture

	log zerolog.Logger
}

// NewSession creates a session for the chat between senderID and receiverID.
// The session is inert until Start is called.
func (c *Client) NewSession(senderID, receiverID string, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &Session{
		client:     c,
		senderID:   senderID,
		receiverID: receiverID,
		config:     &cfg,
		state:      StateDisconnected,
		store:      NewStore(),
		dispatcher: &sessionDispatcher{},
		recon:      newReconnector(&cfg),
		log:        c.log.With().Str("component", "session").Str("receiver", receiverID).Logger(),
	}
	s.queue = newPendingQueue(s.dispatchPending, s.readyToFlush, cfg.FlushInterval, cfg.AckWait, s.log)
	return s
}

// OnMessage registers a handler for messages arriving over the socket.
// The timeline is already updated by the time the handler runs.
func (s *Session) OnMessage(h func(Message)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onMessage = append(s.dispatcher.onMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators from the other user.
func (s *Session) OnTyping(h func(senderID string, isTyping bool)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onTyping = append(s.dispatcher.onTyping, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *Session) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Session) OnDisconnected(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// Store returns the session's message timeline.
func (s *Session) Store() *Store {
	return s.store
}

// ChatID returns the server-assigned chat id, or "" before Start succeeds.
func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCount returns the number of unacknowledged sends.
func (s *Session) PendingCount() int {
	return s.queue.Len()
}

// Start bootstraps the session: it resolves the chat id and history over
// HTTP, loads the timeline, then connects the socket. Anything queued from
// a previous run is flushed as soon as the connection is up.
func (s *Session) Start(ctx context.Context) error {
	// An explicit start gets a fresh backoff schedule, even after a prior
	// run exhausted its reconnect attempts.
	s.recon.reset()

	init, err := s.client.InitChat(ctx, s.senderID, s.receiverID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.chatID = init.ChatID
	s.mu.Unlock()

	s.store.LoadHistory(s.client.historyToMessages(init.Messages))
	s.log.Debug().Str("chat_id", init.ChatID).Int("history", len(init.Messages)).Msg("chat initialized")

	return s.Connect(ctx)
}

// Connect establishes the WebSocket connection and joins the chat room.
// Most callers should use Start, which also bootstraps the chat.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	if s.chatID == "" {
		s.mu.Unlock()
		return fmt.Errorf("connect: chat not initialized")
	}
	s.state = StateConnecting
	s.intentionalClose = false
	chatID := s.chatID
	s.mu.Unlock()

	wsURL := s.client.socketURL() + "?token=" + url.QueryEscape(s.client.token)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()

	if err := s.writeCommand(ctx, "join", map[string]string{"chatId": chatID}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("join chat: %w", err)
	}

	s.log.Info().Str("chat_id", chatID).Msg("socket connected")
	s.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(connCtx)

	s.queue.Flush()
	return nil
}

// SendText inserts an optimistic text message into the timeline and hands it
// to the pending queue, which dispatches immediately when the socket is live.
// The returned id is the message's temporary id until the server echo lands.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("send: empty message")
	}

	msg := &Message{
		ID:        NewTempID(),
		Text:      text,
		CreatedAt: time.Now(),
		SenderID:  s.senderID,
		Kind:      KindText,
	}
	s.store.InsertOptimistic(msg)
	s.queue.Enqueue(&PendingSend{
		TempID: msg.ID,
		Kind:   msg.Kind,
		Text:   msg.Text,
	})
	return msg.ID, nil
}

// SendAttachment uploads a local asset, then sends a message carrying the
// resulting attachment. The optimistic entry appears in the timeline before
// the upload starts, pointing at the local file, and is patched to the
// remote URL once the upload finishes. onProgress may be nil.
func (s *Session) SendAttachment(ctx context.Context, asset LocalAsset, onProgress func(float64)) (string, error) {
	msg := &Message{
		ID:        NewTempID(),
		Text:      asset.Name,
		CreatedAt: time.Now(),
		SenderID:  s.senderID,
		Kind:      asset.Kind,
		Attachment: &Attachment{
			URL:      asset.Path,
			Name:     asset.Name,
			Mime:     asset.Mime,
			Width:    asset.Width,
			Height:   asset.Height,
			Duration: asset.Duration,
		},
	}
	s.store.InsertOptimistic(msg)

	att, err := s.client.Upload(ctx, asset, onProgress)
	if err != nil {
		// The optimistic entry stays pending; the caller may retry the send.
		s.log.Error().Err(err).Str("temp_id", msg.ID).Msg("attachment upload failed")
		return msg.ID, err
	}

	s.store.UpdateAttachment(msg.ID, att)
	s.queue.Enqueue(&PendingSend{
		TempID:     msg.ID,
		Kind:       msg.Kind,
		Text:       msg.Text,
		Attachment: att,
	})
	return msg.ID, nil
}

// SendTyping sends a typing indicator. It is best-effort: when the socket is
// down the indicator is dropped, never queued.
func (s *Session) SendTyping(ctx context.Context, isTyping bool) {
	s.mu.Lock()
	chatID := s.chatID
	s.mu.Unlock()

	err := s.writeCommand(ctx, "typing", wireTyping{
		ChatID:   chatID,
		SenderID: s.senderID,
		IsTyping: isTyping,
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("typing indicator dropped")
	}
}

// Close tears down the session: socket, queue ticker, any active playback,
// and any in-progress recording. Queued sends survive for a later Start.
func (s *Session) Close() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	playback := s.playback
	gesture := s.gesture
	s.mu.Unlock()

	s.queue.Stop()
	if playback != nil {
		playback.StopAll()
	}
	if gesture != nil {
		gesture.Terminate()
	}

	var err error
	if conn != nil {
		// The read loop suppresses its disconnect event on intentional
		// close, so the teardown event is emitted here either way.
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	s.dispatcher.emitDisconnected("client close")
	return err
}

// ============================================================================
// Internals
// ============================================================================

func (s *Session) readyToFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID != "" && s.state == StateConnected
}

// dispatchPending writes one queued send to the socket. The queue keeps the
// entry until the server echoes its temp id back through handleIncoming.
func (s *Session) dispatchPending(p *PendingSend) error {
	s.mu.Lock()
	chatID := s.chatID
	s.mu.Unlock()

	msg := Message{
		ID:         p.TempID,
		Text:       p.Text,
		Kind:       p.Kind,
		SenderID:   s.senderID,
		Attachment: p.Attachment,
	}
	if stored, ok := s.store.Get(p.TempID); ok {
		msg.CreatedAt = stored.CreatedAt
	} else {
		msg.CreatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.writeCommand(ctx, "sendMessage", wireFromMessage(chatID, s.receiverID, &msg))
}

func (s *Session) writeCommand(ctx context.Context, cmdType string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrSocketUnavailable
	}

	data, err := json.Marshal(wireCommand{Type: cmdType, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			s.mu.Unlock()
			if intentional {
				return
			}

			s.mu.Lock()
			s.state = StateDisconnected
			s.conn = nil
			s.mu.Unlock()

			s.log.Warn().Err(err).Msg("socket read failed")
			s.dispatcher.emitDisconnected(err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect()
			}
			return
		}

		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "newMessage":
			var wm wireMessage
			if json.Unmarshal(env.Payload, &wm) == nil {
				s.handleIncoming(&wm)
			}
		case "typing":
			var t wireTyping
			if json.Unmarshal(env.Payload, &t) == nil && t.SenderID != s.senderID {
				s.dispatcher.emitTyping(t.SenderID, t.IsTyping)
			}
		}
	}
}

// handleIncoming applies one server message to the timeline. Store and queue
// updates happen synchronously on the read loop, so the timeline state always
// reflects arrival order; only the handler callbacks run concurrently.
func (s *Session) handleIncoming(wm *wireMessage) {
	msg := messageFromWire(wm)
	if msg.Attachment != nil {
		msg.Attachment.URL = s.client.resolveURL(msg.Attachment.URL)
	}

	s.store.Reconcile(msg, wm.TempID)
	if wm.TempID != "" {
		s.queue.Ack(wm.TempID)
	}
	s.dispatcher.emitMessage(*msg)
}

func (s *Session) scheduleReconnect() {
	delay := s.recon.nextDelay()
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()

	s.log.Info().Int("attempt", s.recon.attempt).Dur("delay", delay).Msg("reconnecting")
	s.dispatcher.emitReconnecting(s.recon.attempt, delay)

	time.Sleep(delay)

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.Connect(context.Background()); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect()
		} else {
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
		}
	}
}

// AttachPlayback wires a playback controller into the session so Close can
// stop any active clip. The factory builds a platform player per attachment.
func (s *Session) AttachPlayback(factory PlayerFactory) *PlaybackController {
	pc := NewPlaybackController(factory, s.log)
	s.mu.Lock()
	s.playback = pc
	s.mu.Unlock()
	return pc
}

// AttachRecorder wires a press-and-hold recording gesture into the session.
// Released clips are sent through SendAttachment as audio messages.
func (s *Session) AttachRecorder(rec AudioRecorder, config *GestureConfig) *RecordingGesture {
	g := NewRecordingGesture(rec, config, func(clip *RecordedClip) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		_, err := s.SendAttachment(ctx, LocalAsset{
			Path:     clip.Path,
			Name:     "voice message",
			Mime:     "audio/m4a",
			Kind:     KindAudio,
			Duration: clip.Duration.Seconds(),
		}, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("voice message send failed")
		}
	}, s.log)
	s.mu.Lock()
	s.gesture = g
	s.mu.Unlock()
	return g
}
