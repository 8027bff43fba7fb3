// Quizbox Trivia Game
//
// One participant moderates a room: they publish a question together with a
// hidden answer, and everyone else races to submit guesses. The first
// submission whose normalized text matches the stored answer wins the round
// and earns a point; scores accumulate across rounds until the moderator
// resets the game.
//
// Features:
// - WebSockets per room ID: /path/:gameid and /path/:gameid/ws
// - Moderator standing via --moderator-key, or first registered session per room
// - Hidden answers are normalized (lowercase, trimmed) and never broadcast
//   before a round resolves
// - Exactly one winner per round, regardless of how close the race is
// - Per-room score ledger, seeded at registration so everyone shows on the board
// - Late joiners get the live question and current standings on registration
// - Rooms auto-reaped after configurable idle timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - Sessions identified by cookie, so a moderator can rejoin after a drop
// - Read-only per-room status endpoint for probes
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	maxNameLen = 20

	codeUnregistered = "unregistered_session"
	codeRoundClosed  = "round_closed"
	codeInvalidInput = "invalid_input"
	codeUnauthorized = "unauthorized"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`               // "register", "publish_question", "submit_answer", "reset_game"
	Name     string `json:"name,omitempty"`     // register
	Key      string `json:"key,omitempty"`      // register (moderator key, optional)
	Question string `json:"question,omitempty"` // publish_question
	Answer   string `json:"answer,omitempty"`   // publish_question (never echoed back)
	Text     string `json:"text,omitempty"`     // submit_answer
}

// SessionInfoMessage is sent immediately on connect so the client knows
// what role (if any) this cookie already has in the room.
type SessionInfoMessage struct {
	Type        string `json:"type"` // "session_info"
	Registered  bool   `json:"registered"`
	IsModerator bool   `json:"is_moderator"`
	Name        string `json:"name,omitempty"`
}

// QuestionMessage announces the live question. The stored answer is
// deliberately absent from this payload.
type QuestionMessage struct {
	Type      string `json:"type"`       // "question_published"
	Question  string `json:"question"`   // question text
	StartedAt int64  `json:"started_at"` // epoch millis, for elapsed-time display
	Moderator string `json:"moderator"`  // display name of whoever posted it
}

// RoundWonMessage announces the winner to everyone. This is the only payload
// that ever carries the correct answer.
type RoundWonMessage struct {
	Type          string `json:"type"` // "round_won"
	Winner        string `json:"winner"`
	CorrectAnswer string `json:"correct_answer"`
	NewScore      int    `json:"new_score"`
}

// ScoresMessage carries a full leaderboard snapshot.
type ScoresMessage struct {
	Type   string       `json:"type"` // "scores_updated"
	Scores []ScoreEntry `json:"scores"`
}

// IncorrectMessage is unicast to a submitter whose guess missed.
type IncorrectMessage struct {
	Type      string `json:"type"` // "answer_incorrect"
	Submitted string `json:"submitted"`
}

// PresenceMessage announces registrations and departures.
type PresenceMessage struct {
	Type           string `json:"type"` // "participant_joined" or "participant_left"
	Name           string `json:"name"`
	TotalConnected int    `json:"total_connected"`
}

// ResetMessage announces a full game reset.
type ResetMessage struct {
	Type      string `json:"type"`      // "game_reset"
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// ErrorMessage is unicast to the offending session; errors never interrupt
// processing of other sessions' events.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Client struct {
	conn      *websocket.Conn
	send      chan any
	sessionID string

	// name and moderator are owned by the hub and only touched
	// under its mutex.
	name      string
	moderator bool
}

type inboundMessage struct {
	client *Client
	msg    ClientMessage
}

// Hub coordinates one quiz room. Every mutation of round, ledger, or
// client state happens in run(), one event at a time, under mu; that
// serialization is what makes the winning check-then-clear atomic and
// keeps a round from producing two winners.
type Hub struct {
	id      string
	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	regs     chan inboundMessage
	answers  chan inboundMessage
	mods     chan inboundMessage

	mu sync.RWMutex

	round  *Round
	ledger *Ledger

	createdAt  time.Time
	lastActive time.Time

	// Cookie/sessionID of the room's implicit moderator; unused when a
	// moderator key is configured.
	moderatorID string
}

func newHub(roomID string) *Hub {
	now := time.Now()
	return &Hub{
		id:         roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		regs:       make(chan inboundMessage),
		answers:    make(chan inboundMessage),
		mods:       make(chan inboundMessage),
		round:      &Round{},
		ledger:     newLedger(),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleConnect(cfg, c)

		case c := <-h.unreg:
			h.handleDisconnect(cfg, c)

		case in := <-h.regs:
			h.handleRegister(cfg, in)

		case in := <-h.answers:
			h.handleAnswer(cfg, in)

		case in := <-h.mods:
			h.handleModCommand(cfg, in)
		}
	}
}

// sendLocked delivers to one client, dropping the client entirely if its
// send buffer is full. Assumes h.mu is held.
func (h *Hub) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastLocked delivers to every connected client. Assumes h.mu is held.
func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

// registeredCountLocked counts sessions that have bound a display name.
func (h *Hub) registeredCountLocked() int {
	n := 0
	for client := range h.clients {
		if client.name != "" {
			n++
		}
	}
	return n
}

func (h *Hub) rejectLocked(c *Client, code, message string) {
	h.sendLocked(c, ErrorMessage{
		Type:    "error",
		Code:    code,
		Message: message,
	})
}

func (h *Hub) handleConnect(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true

	// Session info first, so the client decides whether to prompt for a name.
	h.sendLocked(c, SessionInfoMessage{
		Type:        "session_info",
		Registered:  false,
		IsModerator: cfg.moderatorKey == "" && h.moderatorID == c.sessionID,
	})

	// New viewers see current standings immediately.
	h.sendLocked(c, ScoresMessage{
		Type:   "scores_updated",
		Scores: h.ledger.Snapshot(),
	})
}

func (h *Hub) handleDisconnect(cfg *Config, c *Client) {
	h.mu.Lock()

	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	name := c.name
	sessionID := c.sessionID
	wasImplicitModerator := cfg.moderatorKey == "" && sessionID == h.moderatorID

	if name != "" {
		// A player leaving mid-round just stops being able to submit;
		// their ledger entry stays.
		h.broadcastLocked(PresenceMessage{
			Type:           "participant_left",
			Name:           name,
			TotalConnected: h.registeredCountLocked(),
		})
		logf(cfg, "QUIZ: %q left %s", name, h.id)
	}

	h.mu.Unlock()

	if wasImplicitModerator {
		go h.scheduleModeratorRelease(sessionID, cfg.playerTimeout)
	}
}

// scheduleModeratorRelease waits for d, and if no client with this
// sessionID has reconnected, gives up the implicit moderator claim so
// the next registrant can take over the room.
func (h *Hub) scheduleModeratorRelease(sessionID string, d time.Duration) {
	time.Sleep(d)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.moderatorID != sessionID {
		return
	}

	for client := range h.clients {
		if client.sessionID == sessionID {
			return
		}
	}

	h.moderatorID = ""
	h.lastActive = time.Now()
}

// handleRegister binds a display name to a session, seeds the ledger, and
// replays the live question to late joiners.
func (h *Hub) handleRegister(cfg *Config, in inboundMessage) {
	c := in.client
	name := strings.TrimSpace(in.msg.Name)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.name != "" {
		h.rejectLocked(c, codeInvalidInput, "This session is already registered.")
		return
	}

	if name == "" || len(name) > maxNameLen {
		h.rejectLocked(c, codeInvalidInput, "Display names must be between 1 and 20 characters.")
		return
	}

	// Moderator standing is a session flag, never inferred from the name.
	switch {
	case cfg.moderatorKey != "":
		c.moderator = in.msg.Key == cfg.moderatorKey
	case h.moderatorID == "" || h.moderatorID == c.sessionID:
		h.moderatorID = c.sessionID
		c.moderator = true
	}

	c.name = name
	h.ledger.EnsureEntry(name)

	logf(cfg, "QUIZ: %q registered in %s (moderator: %t)", name, h.id, c.moderator)

	h.sendLocked(c, SessionInfoMessage{
		Type:        "session_info",
		Registered:  true,
		IsModerator: c.moderator,
		Name:        name,
	})

	h.broadcastLocked(PresenceMessage{
		Type:           "participant_joined",
		Name:           name,
		TotalConnected: h.registeredCountLocked(),
	})

	h.broadcastLocked(ScoresMessage{
		Type:   "scores_updated",
		Scores: h.ledger.Snapshot(),
	})

	if h.round.Active() {
		h.sendLocked(c, QuestionMessage{
			Type:      "question_published",
			Question:  h.round.Question(),
			StartedAt: h.round.StartedAt().UnixMilli(),
			Moderator: h.round.Moderator(),
		})
	}
}

// handleAnswer arbitrates one submission. The checks run in a fixed order
// and each one short-circuits; once a submission wins, every later one
// against the same round fails the active check and is rejected, which is
// what guarantees a single winner however tight the race.
func (h *Hub) handleAnswer(cfg *Config, in inboundMessage) {
	c := in.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.name == "" {
		h.rejectLocked(c, codeUnregistered, "Register a display name before answering.")
		return
	}

	if !h.round.Active() {
		h.rejectLocked(c, codeRoundClosed, "The round has already ended.")
		return
	}

	answer, won := h.round.Resolve(in.msg.Text)
	if !won {
		logf(cfg, "QUIZ: %q answered incorrectly in %s", c.name, h.id)
		h.sendLocked(c, IncorrectMessage{
			Type:      "answer_incorrect",
			Submitted: in.msg.Text,
		})
		return
	}

	score := h.ledger.Increment(c.name)

	logf(cfg, "QUIZ: %q won the round in %s (score: %d)", c.name, h.id, score)

	h.broadcastLocked(RoundWonMessage{
		Type:          "round_won",
		Winner:        c.name,
		CorrectAnswer: answer,
		NewScore:      score,
	})

	h.broadcastLocked(ScoresMessage{
		Type:   "scores_updated",
		Scores: h.ledger.Snapshot(),
	})
}

// handleModCommand processes moderator commands: publishing a question and
// resetting the game.
func (h *Hub) handleModCommand(cfg *Config, in inboundMessage) {
	c := in.client
	msg := in.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.name == "" {
		h.rejectLocked(c, codeUnregistered, "Register a display name first.")
		return
	}

	if !c.moderator {
		h.rejectLocked(c, codeUnauthorized, "Only the moderator may do that.")
		return
	}

	switch msg.Type {
	case "publish_question":
		// Publishing over a live round silently replaces it; submissions
		// against the old question race the replacement and lose.
		if err := h.round.Publish(c.name, msg.Question, msg.Answer); err != nil {
			h.rejectLocked(c, codeInvalidInput, err.Error())
			return
		}

		logf(cfg, "QUIZ: %q published a question in %s", c.name, h.id)

		h.broadcastLocked(QuestionMessage{
			Type:      "question_published",
			Question:  h.round.Question(),
			StartedAt: h.round.StartedAt().UnixMilli(),
			Moderator: h.round.Moderator(),
		})

	case "reset_game":
		h.round.Clear()
		h.ledger.Clear()

		logf(cfg, "QUIZ: %q reset the game in %s", c.name, h.id)

		h.broadcastLocked(ResetMessage{
			Type:      "game_reset",
			Timestamp: time.Now().UnixMilli(),
		})

		h.broadcastLocked(ScoresMessage{
			Type:   "scores_updated",
			Scores: h.ledger.Snapshot(),
		})
	}
}

// status returns the read-only probe view of this room.
func (h *Hub) status() roomStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return roomStatus{
		Connected:       h.registeredCountLocked(),
		RoundActive:     h.round.Active(),
		QuestionPresent: h.round.Question() != "",
	}
}

type roomStatus struct {
	Connected       int  `json:"connected"`
	RoundActive     bool `json:"round_active"`
	QuestionPresent bool `json:"question_present"`
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const sessionCookieName = "quizbox_id"

func getOrSetSessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// RoomManager holds a set of hubs keyed by room ID, so each $path/$gameid
// is its own isolated game with its own round and ledger.
type RoomManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newRoomManager(idleTimeout time.Duration) *RoomManager {
	rm := &RoomManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) getHub(cfg *Config, roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[roomID]; ok {
		return hub
	}

	hub := newHub(roomID)
	rm.hubs[roomID] = hub
	go hub.run(cfg)
	return hub
}

// peekHub returns an existing hub without creating one.
func (rm *RoomManager) peekHub(roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.hubs[roomID]
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (rm *RoomManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		rm.mu.Lock()
		_, exists := rm.hubs[id]
		rm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for id, hub := range rm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rm.hubs, id)
				go hub.closeAll()
			}
		}
		rm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("gameid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		sessionID := getOrSetSessionID(w, r)
		if sessionID == "" {
			http.Error(w, "unable to assign session id", http.StatusInternalServerError)
			return
		}

		hub := rm.getHub(cfg, roomID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:      conn,
			send:      make(chan any, 8),
			sessionID: sessionID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

// serveRoomStatus exposes the read-only probe view of one room.
func serveRoomStatus(rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var status roomStatus
		if hub := rm.peekHub(ps.ByName("gameid")); hub != nil {
			status = hub.status()
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(status)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "register":
			h.regs <- inboundMessage{
				client: c,
				msg:    msg,
			}
		case "submit_answer":
			h.answers <- inboundMessage{
				client: c,
				msg:    msg,
			}
		case "publish_question", "reset_game":
			h.mods <- inboundMessage{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("gameid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed quiz/index.html
var indexHTML []byte

//go:embed quiz/app.css
var quizboxCSS []byte

//go:embed quiz/app.js
var quizboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetSessionID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizboxJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoomID()
		logf(cfg, "QUIZ: Created room %s/%s", path, roomID)
		http.Redirect(w, r, path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerQuizGame sets up routes so that:
//   - $path                  → redirects to new random room (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that room
//   - $path/:gameid/qr       → PNG QR code for that room URL
//   - $path/:gameid/status   → read-only JSON probe
func registerQuizGame(cfg *Config, path string, mux *httprouter.Router) {
	rm := newRoomManager(cfg.sessionTimeout)

	// Root path → redirect to new random room
	mux.GET(path, redirectNewRoom(cfg, path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg))

	// Shared assets (no gameid in route)
	mux.GET(cfg.prefix+"/assets/quiz/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/quiz/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)

	// Per-room probe
	mux.GET(cfg.prefix+path+"/:gameid/status", serveRoomStatus(rm))
}
