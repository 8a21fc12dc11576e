package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/botgate/botgate-server/config"
	"github.com/botgate/botgate-server/dispatch"
	"github.com/botgate/botgate-server/querylog"
	"github.com/botgate/botgate-server/session"
	"github.com/botgate/botgate-server/stats"
)

// Hub owns the set of connected clients and routes their messages into the
// dispatcher. One hub per process; Run is its single coordination loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // by session ID

	register   chan *Client
	unregister chan *Client

	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	stats      *stats.Collector
	queryLog   *querylog.Logger // nil when disabled
	cfg        *config.Config
}

func NewHub(cfg *config.Config, sessions *session.Registry, dispatcher *dispatch.Dispatcher, st *stats.Collector, queryLog *querylog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sessions:   sessions,
		dispatcher: dispatcher,
		stats:      st,
		queryLog:   queryLog,
		cfg:        cfg,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	old := h.clients[client.sessionID]
	h.clients[client.sessionID] = client
	h.mu.Unlock()

	// A reconnect with the same session ID replaces the old connection.
	if old != nil {
		old.markDone()
		old.conn.Close()
		h.sessions.Remove(client.sessionID)
		h.stats.ConnectionClosed()
	}

	if _, err := h.sessions.Register(client.sessionID, h.cfg.DefaultBot().ID); err != nil {
		slog.Error("session register failed", "session", client.sessionID, "err", err)
	}
	h.stats.ConnectionOpened()
	slog.Info("client connected", "session", client.sessionID, "remote", client.remoteAddr)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.sessionID]
	if ok && current == client {
		delete(h.clients, client.sessionID)
	}
	h.mu.Unlock()

	client.markDone()
	if ok && current == client {
		close(client.send)
		h.sessions.Remove(client.sessionID)
		h.stats.ConnectionClosed()
		slog.Info("client disconnected", "session", client.sessionID)
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

// CloseSessions force-closes the connections behind swept-out sessions. The
// registry entries are already gone; closing the conn unwinds the pumps.
func (h *Hub) CloseSessions(ids []string) {
	h.mu.RLock()
	var victims []*Client
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			victims = append(victims, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range victims {
		slog.Info("closing idle connection", "session", c.sessionID)
		c.markDone()
		c.conn.Close()
	}
}

func (h *Hub) handleMessage(client *Client, text string) {
	if text == pingText {
		h.sessions.Touch(client.sessionID)
		client.Send(pongText)
		return
	}

	if cmd, ok := parseCommand(text); ok {
		h.handleCommand(client, cmd)
		return
	}

	sess, err := h.sessions.Get(client.sessionID)
	if err != nil {
		slog.Warn("message for unknown session", "session", client.sessionID)
		return
	}
	if h.queryLog != nil {
		botName := sess.BotID
		if bot, ok := h.cfg.BotByID(sess.BotID); ok {
			botName = bot.Name
		}
		h.queryLog.Log(client.remoteAddr, botName, text)
	}

	// Dispatch off the read pump so heartbeats keep flowing; overlapping
	// messages on this connection are rejected by the pending flag.
	go h.dispatchMessage(client, text)
}

func (h *Hub) handleCommand(client *Client, cmd Command) {
	switch cmd.Action {
	case "switch_bot":
		bot, ok := h.cfg.BotByID(cmd.BotID)
		if !ok {
			client.Send(ErrorChunk("Unknown assistant."))
			return
		}
		if err := h.sessions.SetBot(client.sessionID, bot.ID); err != nil {
			slog.Warn("bot switch failed", "session", client.sessionID, "err", err)
			return
		}
		client.SendJSON(BotSwitchedEvent{Type: "bot_switched", Bot: bot})
		slog.Info("bot switched", "session", client.sessionID, "bot", bot.ID)

	default:
		slog.Warn("unknown command", "action", cmd.Action)
	}
}

func (h *Hub) dispatchMessage(client *Client, text string) {
	err := h.dispatcher.Handle(context.Background(), client.sessionID, text, client.Send)
	if err == nil {
		client.Send(CompleteMarker)
		return
	}

	switch {
	case errors.Is(err, dispatch.ErrSessionBusy):
		client.Send(ErrorChunk("Please wait for the current answer to finish."))
	case errors.Is(err, dispatch.ErrOverloaded):
		client.Send(ErrorChunk("The service is handling too many requests right now, please try again in a moment."))
	case errors.Is(err, dispatch.ErrUpstreamFailure):
		client.Send(ErrorChunk("The assistant is temporarily unavailable, please try again later."))
	case errors.Is(err, ErrClientGone):
		// Connection went away mid-answer; nothing left to tell it.
	default:
		slog.Error("dispatch failed", "session", client.sessionID, "err", err)
		client.Send(ErrorChunk("Something went wrong, please try again."))
	}
}
