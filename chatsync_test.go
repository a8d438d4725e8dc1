package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Client
// ============================================================================

func TestInitChat(t *testing.T) {
	t.Run("returns chat id and history", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chats/init" || r.Method != "POST" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["senderId"] != "user-1" || body["receiverId"] != "user-2" {
				t.Errorf("unexpected body %v", body)
			}
			json.NewEncoder(w).Encode(ChatInit{
				ChatID: "chat-9",
				Messages: []wireMessage{
					{ID: "srv-1", ChatID: "chat-9", SenderID: "user-2", Text: "hi", Type: "text", CreatedAt: "2026-08-01T10:00:00Z"},
				},
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		init, err := client.InitChat(context.Background(), "user-1", "user-2")
		if err != nil {
			t.Fatalf("init: %v", err)
		}
		if init.ChatID != "chat-9" || len(init.Messages) != 1 {
			t.Fatalf("unexpected init %+v", init)
		}
	})

	t.Run("missing chat id is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"messages": []}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		_, err := client.InitChat(context.Background(), "user-1", "user-2")
		if !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("expected ErrMalformedResponse, got %v", err)
		}
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		if _, err := client.InitChat(context.Background(), "user-1", "user-2"); err == nil {
			t.Fatal("expected error on 401")
		}
	})
}

func TestResolveURL(t *testing.T) {
	client := NewClient("https://api.example.com/")
	cases := map[string]string{
		"/files/a.jpg":                  "https://api.example.com/files/a.jpg",
		"files/a.jpg":                   "https://api.example.com/files/a.jpg",
		"https://cdn.example.com/a.jpg": "https://cdn.example.com/a.jpg",
		"":                              "",
	}
	for in, want := range cases {
		if got := client.resolveURL(in); got != want {
			t.Errorf("resolveURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSocketURL(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com": "wss://api.example.com/ws",
		"http://localhost:8080":   "ws://localhost:8080/ws",
	}
	for base, want := range cases {
		if got := NewClient(base).socketURL(); got != want {
			t.Errorf("socketURL(%s) = %s, want %s", base, got, want)
		}
	}
}

// ============================================================================
// Wire Mapping
// ============================================================================

func TestNewTempID(t *testing.T) {
	a, b := NewTempID(), NewTempID()
	if !strings.HasPrefix(a, "local-") {
		t.Fatalf("temp id missing prefix: %s", a)
	}
	if a == b {
		t.Fatal("temp ids must be unique")
	}
	if !(&Message{ID: a}).IsTemp() {
		t.Fatal("IsTemp should recognize temp ids")
	}
	if (&Message{ID: "srv-1"}).IsTemp() {
		t.Fatal("server ids are not temp")
	}
}

func TestMessageFromWire(t *testing.T) {
	t.Run("maps fields and first attachment", func(t *testing.T) {
		wm := &wireMessage{
			ID:       "srv-1",
			SenderID: "user-2",
			Text:     "look",
			Type:     "image",
			Attachments: []Attachment{
				{URL: "/files/a.jpg", Name: "a.jpg"},
				{URL: "/files/b.jpg", Name: "b.jpg"},
			},
			CreatedAt: "2026-08-01T10:00:00Z",
		}
		msg := messageFromWire(wm)
		if msg.Kind != KindImage {
			t.Fatalf("expected image kind, got %s", msg.Kind)
		}
		if msg.Attachment == nil || msg.Attachment.Name != "a.jpg" {
			t.Fatalf("expected first attachment, got %+v", msg.Attachment)
		}
		want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		if !msg.CreatedAt.Equal(want) {
			t.Fatalf("expected %s, got %s", want, msg.CreatedAt)
		}
	})

	t.Run("defaults kind to text", func(t *testing.T) {
		msg := messageFromWire(&wireMessage{ID: "srv-1", Text: "hi", CreatedAt: "bad-timestamp"})
		if msg.Kind != KindText {
			t.Fatalf("expected text kind, got %s", msg.Kind)
		}
		if msg.CreatedAt.IsZero() {
			t.Fatal("unparseable timestamp should fall back to now")
		}
	})
}

func TestWireFromMessage(t *testing.T) {
	msg := &Message{
		ID:         "local-1",
		Text:       "voice",
		SenderID:   "user-1",
		Kind:       KindAudio,
		CreatedAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Attachment: &Attachment{URL: "https://cdn.example.com/v.m4a", Duration: 3.5},
	}
	wm := wireFromMessage("chat-1", "user-2", msg)
	if wm.TempID != "local-1" || wm.ChatID != "chat-1" || wm.ReceiverID != "user-2" {
		t.Fatalf("unexpected wire message %+v", wm)
	}
	if wm.Type != "audio" || len(wm.Attachments) != 1 {
		t.Fatalf("expected audio with attachment, got %+v", wm)
	}
	if wm.CreatedAt != "2026-08-01T10:00:00Z" {
		t.Fatalf("unexpected timestamp %s", wm.CreatedAt)
	}
}
