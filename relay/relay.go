// Package relay implements the stateless Signaling Relay (C13) and the ICE
// Credential Service (C14): the server side of spec.md §6's wire protocol.
// The relay never sees plaintext message content or room keys — it only
// shuttles join/offer/answer/connection-candidate envelopes between peers
// in the same room, brokers sync-poll round trips for offline peers, and
// fans out push-notification wake-ups.
//
// Grounded directly on the teacher's root main.go (handleWebSocket's
// clients map + join/leave broadcast, and generateTurnCredentials/
// handleTurnCredentials's HMAC-SHA1 TURN credential issuance) and
// websocket/websocket.go's Hub (register/unregister/broadcast channels),
// generalized from one global client set to one set per room id. The
// sync-poll broker reuses that same registry-with-a-mutex shape, this time
// keyed by poll id instead of client id.
package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0remac/meshchat/ids"
)

// pollTimeout bounds how long ServePoll waits for the polled peer's
// sync-poll-response before answering with an empty result, per §6.1.
const pollTimeout = 8 * time.Second

// SignalMessage is the envelope exchanged between the relay and a peer's
// signaling client. Only the fields relevant to Type are populated.
type SignalMessage struct {
	Type           string            `json:"type"`
	From           string            `json:"from,omitempty"`
	To             string            `json:"to,omitempty"`
	RoomID         string            `json:"room_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Username       string            `json:"username,omitempty"`
	Peers          []string          `json:"peers,omitempty"`
	Offer          json.RawMessage   `json:"offer,omitempty"`
	Answer         json.RawMessage   `json:"answer,omitempty"`
	Candidate      json.RawMessage   `json:"candidate,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	PollID         string            `json:"poll_id,omitempty"`
	LastMessageID  *string           `json:"last_message_id,omitempty"`
	Messages       []json.RawMessage `json:"messages,omitempty"`
	SenderEndpoint string            `json:"sender_endpoint,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// client is one connected peer's relay-side handle.
type client struct {
	id       string
	room     string
	username string
	conn     *websocket.Conn
	send     chan SignalMessage
}

// Upgrader mirrors the teacher's permissive CheckOrigin for local
// development; production deployments should tighten this the same way
// the teacher's websocket/websocket.go does for its own Upgrader.
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub is the stateless relay's connection registry, one client set per
// room id, plus the pending sync-poll registry.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*client

	pollMu sync.Mutex
	polls  map[string]chan []json.RawMessage

	notifier PushNotifier
}

// NewHub builds an empty Hub. notifier may be nil, in which case
// push-subscribe/push-notify are accepted but never actually deliver a
// wake-up (see NoopNotifier).
func NewHub(notifier PushNotifier) *Hub {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Hub{
		rooms:    make(map[string]map[string]*client),
		polls:    make(map[string]chan []json.RawMessage),
		notifier: notifier,
	}
}

// ServeWS upgrades an HTTP request to a relay connection, then reads the
// client's first frame as its join envelope (§6.1: `{type:"join", room_id,
// user_id, username}`), rather than deriving identity from the query
// string. A missing or malformed join frame gets an `error` reply and the
// connection is dropped.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade: %v", err)
		return
	}

	join, err := readJoin(conn)
	if err != nil {
		log.Printf("[relay] join: %v", err)
		conn.WriteJSON(SignalMessage{Type: "error", Message: err.Error()})
		conn.Close()
		return
	}

	c := &client{id: join.UserID, room: join.RoomID, username: join.Username, conn: conn, send: make(chan SignalMessage, 32)}
	h.register(c)
	h.broadcastPeerList(c.room)
	h.broadcastJoin(c)

	go h.writePump(c)
	h.readPump(c)
}

// readJoin reads and validates the connection's first frame.
func readJoin(conn *websocket.Conn) (SignalMessage, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return SignalMessage{}, fmt.Errorf("read join frame: %w", err)
	}
	var msg SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("malformed join frame: %w", err)
	}
	if msg.Type != "join" || msg.RoomID == "" || msg.UserID == "" {
		return SignalMessage{}, fmt.Errorf("first frame must be join with room_id and user_id")
	}
	return msg, nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[c.room]; !ok {
		h.rooms[c.room] = make(map[string]*client)
	}
	h.rooms[c.room][c.id] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	peers, ok := h.rooms[c.room]
	if ok {
		delete(peers, c.id)
		if len(peers) == 0 {
			delete(h.rooms, c.room)
		}
	}
	h.mu.Unlock()
	close(c.send)

	if ok {
		h.broadcastRaw(c.room, SignalMessage{Type: "peer-left", From: c.id, RoomID: c.room, UserID: c.id}, c.id)
		h.broadcastPeerList(c.room)
	}
}

func (h *Hub) broadcastJoin(c *client) {
	h.broadcastRaw(c.room, SignalMessage{Type: "peer-joined", From: c.id, RoomID: c.room, UserID: c.id, Username: c.username}, c.id)
}

// broadcastPeerList sends every room member the current roster, per §6.1's
// peer-list fan-out.
func (h *Hub) broadcastPeerList(room string) {
	h.mu.Lock()
	peers, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(peers))
	clients := make([]*client, 0, len(peers))
	for id, c := range peers {
		ids = append(ids, id)
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.send(c, SignalMessage{Type: "peer-list", RoomID: room, Peers: ids})
	}
}

// broadcastRaw fans msg out to every peer in room except excludeID.
func (h *Hub) broadcastRaw(room string, msg SignalMessage, excludeID string) {
	h.mu.Lock()
	peers, ok := h.rooms[room]
	clients := make([]*client, 0, len(peers))
	if ok {
		for id, c := range peers {
			if id == excludeID {
				continue
			}
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.send(c, msg)
	}
}

// send enqueues msg for c, dropping the connection on a full outbound queue
// the same way the teacher's Hub.Broadcast does.
func (h *Hub) send(c *client, msg SignalMessage) {
	select {
	case c.send <- msg:
	default:
		log.Printf("[relay] send queue overflow for %s; dropping connection", c.id)
		c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[relay] malformed message from %s: %v", c.id, err)
			continue
		}
		msg.From = c.id
		msg.RoomID = c.room
		h.route(c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Printf("[relay] write error for %s: %v", c.id, err)
			return
		}
	}
}

// route addresses a signaling message: offer/answer/connection-candidate go
// to msg.To, push-* frames update the notifier, sync-poll-response
// resolves a pending ServePoll broker wait, and anything else with a To
// field is relayed as-is (§6.1 "relay addressed by to").
func (h *Hub) route(c *client, msg SignalMessage) {
	switch msg.Type {
	case "offer", "answer", "connection-candidate":
		h.relayToOne(c.room, msg)
	case "push-subscribe":
		h.notifier.Subscribe(c.room, c.id, msg.Payload)
	case "push-renew":
		h.notifier.Renew(c.room, c.id, msg.Payload)
	case "push-notify":
		h.notifier.Notify(c.room, msg.Payload, msg.SenderEndpoint)
	case "sync-poll-response":
		h.resolvePoll(msg.PollID, msg.Messages)
	default:
		if msg.To != "" {
			h.relayToOne(c.room, msg)
		}
	}
}

func (h *Hub) relayToOne(room string, msg SignalMessage) {
	h.mu.Lock()
	peers, ok := h.rooms[room]
	var target *client
	if ok {
		target = peers[msg.To]
	}
	h.mu.Unlock()
	if target == nil {
		return
	}
	h.send(target, msg)
}

// resolvePoll delivers messages to a still-waiting ServePoll call for
// pollID, if one exists; a response for an unknown or already-timed-out
// poll id is dropped.
func (h *Hub) resolvePoll(pollID string, messages []json.RawMessage) {
	h.pollMu.Lock()
	ch, ok := h.polls[pollID]
	h.pollMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- messages:
	default:
	}
}

// pickPollTarget returns any one online peer in room, or nil if the room
// has nobody connected to ask. Map iteration order is effectively random,
// which is fine: §6.1 only requires "the first online peer", not a
// specific one.
func (h *Hub) pickPollTarget(room string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.rooms[room] {
		return c
	}
	return nil
}

// ServeVapidPublicKey answers GET /vapid-public-key with the configured
// Web Push VAPID public key, or 503 if push isn't configured (§6.1).
func (h *Hub) ServeVapidPublicKey(w http.ResponseWriter, r *http.Request) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		http.Error(w, "push is not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"publicKey": key})
}

// ServePoll answers POST /rooms/{room_id}/poll for clients that can't hold
// a websocket open (battery-constrained mobile backgrounding). It brokers
// a real round trip per §6.1: ask the first online peer in the room to
// answer on the requester's behalf via a "sync-poll" frame, then wait up to
// pollTimeout for that peer's "sync-poll-response", returning {messages: []}
// if nobody is online or the wait times out.
func (h *Hub) ServePoll(roomID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		var body struct {
			LastMessageID *string `json:"lastMessageId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) // empty/absent body is fine; LastMessageID stays nil

		target := h.pickPollTarget(roomID)
		if target == nil {
			writePollResult(w, nil)
			return
		}

		pollID := ids.NewTransferID()
		ch := make(chan []json.RawMessage, 1)
		h.pollMu.Lock()
		h.polls[pollID] = ch
		h.pollMu.Unlock()
		defer func() {
			h.pollMu.Lock()
			delete(h.polls, pollID)
			h.pollMu.Unlock()
		}()

		h.send(target, SignalMessage{Type: "sync-poll", PollID: pollID, LastMessageID: body.LastMessageID, RoomID: roomID})

		select {
		case messages := <-ch:
			writePollResult(w, messages)
		case <-time.After(pollTimeout):
			writePollResult(w, nil)
		}
	}
}

func writePollResult(w http.ResponseWriter, messages []json.RawMessage) {
	if messages == nil {
		messages = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": messages})
}

// turnCredentialTTL bounds how long an issued TURN credential remains
// valid, matching the teacher's generateTurnCredentials expiry window.
const turnCredentialTTL = time.Hour

// ServeTurnCredentials answers GET /turn-credentials with a fresh
// time-limited HMAC-SHA1 TURN username/password pair, exactly as the
// teacher's generateTurnCredentials/handleTurnCredentials do, generalized
// to take the shared secret as a parameter instead of a package-level var.
func ServeTurnCredentials(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			http.Error(w, "TURN is not configured", http.StatusNotFound)
			return
		}
		user := r.URL.Query().Get("user")
		if user == "" {
			user = "anonymous"
		}
		username, password := GenerateTurnCredentials(secret, user, turnCredentialTTL)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"username": username, "password": password})
	}
}

// GenerateTurnCredentials builds a coturn-compatible "expires:user"
// username and its HMAC-SHA1 password, per RFC 5766's long-term
// credential mechanism's shared-secret variant.
func GenerateTurnCredentials(secret, user string, ttl time.Duration) (username, password string) {
	expires := time.Now().Add(ttl).Unix()
	username = fmt.Sprintf("%d:%s", expires, user)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}
