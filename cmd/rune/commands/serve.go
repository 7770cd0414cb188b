package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/provider"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "WebSocket chat transport",
	Long: `Serve a websocket chat endpoint on /ws.

Clients connect with ?user=<actor>&room=<room> and send {"text": "..."}
messages. Replies stream back as {"type":"fragment"} messages terminated by
{"type":"done"}. Scheduler dispatches for a connected user arrive as
{"type":"task"} messages; for disconnected users delivery is retried later.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}

type wsEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Err  string `json:"error,omitempty"`
}

// wsConn serializes writes to one websocket peer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(evt wsEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(evt)
}

type wsServer struct {
	app      *app
	upgrader websocket.Upgrader

	mu    sync.Mutex
	users map[string]*wsConn
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &wsServer{app: a, users: make(map[string]*wsConn)}
	go func() {
		if err := a.scheduler(srv).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)

	slog.Info("websocket transport listening", "addr", serveAddr)
	return http.ListenAndServe(serveAddr, mux)
}

// SendText delivers a scheduler dispatch to the addressee's live connection.
// An error keeps the task claimed for retry.
func (s *wsServer) SendText(_ context.Context, text, roomID, toUserID string) error {
	s.mu.Lock()
	c := s.users[toUserID]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("user %s not connected", toUserID)
	}
	return c.send(wsEvent{Type: "task", Text: text})
}

func (s *wsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	room := r.URL.Query().Get("room")
	if user == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade", "err", err)
		return
	}
	conn := &wsConn{conn: raw}

	s.mu.Lock()
	s.users[user] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.users[user] == conn {
			delete(s.users, user)
		}
		s.mu.Unlock()
		raw.Close()
	}()

	slog.Info("ws connected", "user", user, "room", room)
	key := dialog.Key{ActorID: user, RoomID: room}
	ctx := r.Context()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			slog.Info("ws disconnected", "user", user, "err", err)
			return
		}
		var in wsEvent
		if err := json.Unmarshal(data, &in); err != nil || in.Text == "" {
			conn.send(wsEvent{Type: "error", Err: "expected {\"text\": \"...\"}"})
			continue
		}
		s.streamTurn(ctx, conn, key, in.Text)
	}
}

func (s *wsServer) streamTurn(ctx context.Context, conn *wsConn, key dialog.Key, text string) {
	stream, err := s.app.Orchestrator.Turn(ctx, key, text)
	if err != nil {
		conn.send(wsEvent{Type: "error", Err: err.Error()})
		return
	}
	for {
		frag, err := stream.Next()
		if err != nil {
			var st *provider.State
			if errors.As(err, &st) && st.Status() == provider.StatusDone {
				conn.send(wsEvent{Type: "done"})
			} else {
				conn.send(wsEvent{Type: "error", Err: err.Error()})
			}
			return
		}
		if err := conn.send(wsEvent{Type: "fragment", Text: frag.Text}); err != nil {
			stream.Close()
			return
		}
	}
}
