// Package signaling implements the signaling client (C3): the websocket
// connection to the relay, with auto-reconnect/backoff, a FIFO outbound
// queue so sends issued while disconnected aren't lost, and a callback
// surface for every relay event a peer needs to react to.
//
// Grounded on the teacher's client/client.go ConnectAndSignal (dial, send
// join, read loop) and FetchTurnCredentials, generalized from "reconnect
// after a flat 1-second sleep" to the capped-exponential-backoff-with-
// jitter policy spec.md §4.3 calls for, and from a query-string join to
// the frame-based `{type:"join", room_id, user_id, username}` envelope
// §6.1 specifies.
package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0remac/meshchat/relay"
	"github.com/pion/webrtc/v4"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Handlers is the event surface a signaling Client drives. All fields are
// optional.
type Handlers struct {
	OnPeerList   func(peers []string)
	OnPeerJoined func(peerID, name string)
	OnPeerLeft   func(peerID string)
	OnOffer      func(fromPeer string, sdp webrtc.SessionDescription)
	OnAnswer     func(fromPeer string, sdp webrtc.SessionDescription)
	OnCandidate  func(fromPeer string, candidate webrtc.ICECandidateInit)
	// OnSyncPoll fires when the relay asks this peer to answer a
	// sync-poll round trip on behalf of an offline one (§6.1). lastMessageID
	// is nil when the polling client supplied none.
	OnSyncPoll func(pollID string, lastMessageID *string, roomID string)
	// OnConnected fires every time a (re)connection to the relay
	// succeeds, including the first one — callers use this to re-send
	// "join" side effects like re-announcing presence.
	OnConnected func()
}

// Client maintains one websocket connection to the relay for one room and
// one local peer id.
type Client struct {
	wsURL    string
	roomID   string
	peerID   string
	username string
	handlers Handlers

	mu       sync.Mutex
	conn     *websocket.Conn
	outbound [][]byte
	closed   bool
	closeCh  chan struct{}
}

// New constructs a Client. wsURL is the relay's bare websocket endpoint
// (e.g. "wss://relay.example.com/ws"); Run dials it and sends a
// `{type:"join", room_id, user_id, username}` frame first, per §6.1 —
// identity is carried in that frame, not in the URL.
func New(wsURL, roomID, peerID, username string, handlers Handlers) *Client {
	return &Client{
		wsURL:    wsURL,
		roomID:   roomID,
		peerID:   peerID,
		username: username,
		handlers: handlers,
		closeCh:  make(chan struct{}),
	}
}

// Run dials the relay and reconnects indefinitely with capped exponential
// backoff and jitter until Close is called. It returns only once the
// Client has been closed.
func (c *Client) Run() {
	backoff := backoffBase
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		if err := c.connectAndRead(); err != nil {
			log.Printf("[signaling] connection lost: %v; reconnecting in %s", err, backoff)
		}

		select {
		case <-c.closeCh:
			return
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func jitter(d time.Duration) time.Duration {
	// +/- 20% jitter, matching the spirit of the teacher's simple
	// fixed-retry sleep but avoiding every peer in a room reconnecting in
	// lockstep after a relay restart.
	delta := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d - delta
	}
	return d + delta
}

func (c *Client) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	join, err := json.Marshal(relay.SignalMessage{Type: "join", RoomID: c.roomID, UserID: c.peerID, Username: c.username})
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	pending := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for _, raw := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return fmt.Errorf("flush queued send: %w", err)
		}
	}

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return err
		}
		var msg relay.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[signaling] malformed relay message: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg relay.SignalMessage) {
	switch msg.Type {
	case "peer-list":
		if c.handlers.OnPeerList != nil {
			c.handlers.OnPeerList(msg.Peers)
		}
	case "peer-joined":
		if c.handlers.OnPeerJoined != nil {
			c.handlers.OnPeerJoined(msg.UserID, msg.Username)
		}
	case "peer-left":
		if c.handlers.OnPeerLeft != nil {
			c.handlers.OnPeerLeft(msg.UserID)
		}
	case "offer":
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Offer, &sdp); err != nil {
			log.Printf("[signaling] malformed offer: %v", err)
			return
		}
		if c.handlers.OnOffer != nil {
			c.handlers.OnOffer(msg.From, sdp)
		}
	case "answer":
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Answer, &sdp); err != nil {
			log.Printf("[signaling] malformed answer: %v", err)
			return
		}
		if c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(msg.From, sdp)
		}
	case "connection-candidate":
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
			log.Printf("[signaling] malformed candidate: %v", err)
			return
		}
		if c.handlers.OnCandidate != nil {
			c.handlers.OnCandidate(msg.From, cand)
		}
	case "sync-poll":
		if c.handlers.OnSyncPoll != nil {
			c.handlers.OnSyncPoll(msg.PollID, msg.LastMessageID, msg.RoomID)
		}
	case "error":
		log.Printf("[signaling] relay error: %s", msg.Message)
	}
}

// enqueue writes raw immediately if connected, else buffers it for the next
// successful (re)connection — the FIFO outbound queue spec.md §4.3 calls
// for.
func (c *Client) enqueue(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.outbound = append(c.outbound, raw)
		return nil
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.outbound = append(c.outbound, raw)
		c.conn = nil
		return nil
	}
	return nil
}

// SendOffer, SendAnswer and SendCandidate implement mesh.Signaling.
func (c *Client) SendOffer(peerID string, sdp webrtc.SessionDescription) error {
	return c.sendEnvelope("offer", peerID, "offer", sdp)
}
func (c *Client) SendAnswer(peerID string, sdp webrtc.SessionDescription) error {
	return c.sendEnvelope("answer", peerID, "answer", sdp)
}
func (c *Client) SendCandidate(peerID string, cand *webrtc.ICECandidate) error {
	if cand == nil {
		return nil
	}
	return c.sendEnvelope("connection-candidate", peerID, "candidate", cand.ToJSON())
}

func (c *Client) sendEnvelope(typ, to, field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	msg := relay.SignalMessage{Type: typ, From: c.peerID, To: to, RoomID: c.roomID}
	switch field {
	case "offer":
		msg.Offer = raw
	case "answer":
		msg.Answer = raw
	case "candidate":
		msg.Candidate = raw
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.enqueue(out)
}

// SendPushSubscribe forwards a Web Push subscription object to the relay.
func (c *Client) SendPushSubscribe(subscription json.RawMessage) error {
	raw, err := json.Marshal(relay.SignalMessage{Type: "push-subscribe", From: c.peerID, RoomID: c.roomID, Payload: subscription})
	if err != nil {
		return err
	}
	return c.enqueue(raw)
}

// SendPushNotify asks the relay to wake up every other subscriber in the
// room via its Web Push provider, on behalf of senderEndpoint.
func (c *Client) SendPushNotify(payload json.RawMessage, senderEndpoint string) error {
	raw, err := json.Marshal(relay.SignalMessage{Type: "push-notify", From: c.peerID, RoomID: c.roomID, Payload: payload, SenderEndpoint: senderEndpoint})
	if err != nil {
		return err
	}
	return c.enqueue(raw)
}

// SendSyncPollResponse answers a relay-initiated sync-poll on behalf of an
// offline peer (§6.1).
func (c *Client) SendSyncPollResponse(pollID string, messages []json.RawMessage) error {
	raw, err := json.Marshal(relay.SignalMessage{Type: "sync-poll-response", From: c.peerID, RoomID: c.roomID, PollID: pollID, Messages: messages})
	if err != nil {
		return fmt.Errorf("marshal sync-poll-response: %w", err)
	}
	return c.enqueue(raw)
}

// Close stops Run's reconnect loop and closes the active connection, if
// any.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
}

// FetchTurnCredentials GETs a fresh TURN username/password pair from the
// relay's /turn-credentials endpoint, exactly as the teacher's
// FetchTurnCredentials does.
func FetchTurnCredentials(httpBaseURL string) ([]webrtc.ICEServer, error) {
	resp, err := http.Get(httpBaseURL + "/turn-credentials")
	if err != nil {
		return nil, fmt.Errorf("GET /turn-credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("turn-credentials endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read turn-credentials body: %w", err)
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal turn-credentials: %w", err)
	}
	return []webrtc.ICEServer{{
		URLs:       []string{"turn:" + trimScheme(httpBaseURL)},
		Username:   creds.Username,
		Credential: creds.Password,
	}}, nil
}

func trimScheme(baseURL string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(baseURL) > len(prefix) && baseURL[:len(prefix)] == prefix {
			return baseURL[len(prefix):]
		}
	}
	return baseURL
}
