// Command peer is the reference CLI mesh chat peer: it wires signaling,
// the mesh manager, the sync engine, file transfer, the room/key
// lifecycle, the media plane, local storage and search into one running
// process and drives them from a line-oriented stdin/stdout chat loop.
//
// Grounded on the teacher's client.Setup (client/client.go): fetch TURN
// credentials, build the shared pion API, start the signaling loop in a
// goroutine, then block on SIGINT/SIGTERM for graceful shutdown.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/n0remac/meshchat/crypto"
	"github.com/n0remac/meshchat/filetransfer"
	"github.com/n0remac/meshchat/ids"
	"github.com/n0remac/meshchat/media"
	"github.com/n0remac/meshchat/mesh"
	"github.com/n0remac/meshchat/negotiate"
	"github.com/n0remac/meshchat/protocol"
	"github.com/n0remac/meshchat/room"
	"github.com/n0remac/meshchat/search"
	"github.com/n0remac/meshchat/signaling"
	"github.com/n0remac/meshchat/store"
	"github.com/n0remac/meshchat/syncengine"
	"github.com/pion/webrtc/v4"
)

// defaultChannelID is the single text channel a freshly-created room
// starts with; multi-channel rooms are a UI-layer concern this reference
// peer doesn't build out.
const defaultChannelID = "general"

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "signaling relay websocket URL")
	username := flag.String("username", "", "display name (required)")
	roomFlag := flag.String("room", "", "room code to join (ignored if -invite is set)")
	keyFlag := flag.String("key", "", "room key, base64url (takes priority over a key carried in -invite)")
	invite := flag.String("invite", "", "invite URL carrying ?join= and #ek=")
	dbPath := flag.String("db", "meshchat.db", "local sqlite database path")
	turnHTTP := flag.String("turn-http", "", "http(s) base URL for TURN credential fetch (defaults to -server's origin)")
	downloadDir := flag.String("download-dir", ".", "directory completed file transfers are written to")
	create := flag.Bool("create", false, "generate a fresh room key (use for the first peer in a new room)")
	flag.Parse()

	if *username == "" {
		log.Fatal("[peer] -username is required")
	}

	roomCode := *roomFlag
	var fragmentKey *crypto.Key
	if *invite != "" {
		code, key, err := crypto.ParseInvite(*invite)
		if err != nil && err != crypto.ErrNoInviteKey {
			log.Fatalf("[peer] parse invite: %v", err)
		}
		roomCode = code
		fragmentKey = key
	}
	if roomCode == "" {
		log.Fatal("[peer] a room is required: pass -room or -invite")
	}

	var explicitKey *crypto.Key
	switch {
	case *keyFlag != "":
		k, err := crypto.ParseKey(*keyFlag)
		if err != nil {
			log.Fatalf("[peer] parse -key: %v", err)
		}
		explicitKey = &k
	case *create && fragmentKey == nil:
		k, err := crypto.Generate()
		if err != nil {
			log.Fatalf("[peer] generate room key: %v", err)
		}
		explicitKey = &k
	}

	localID := ids.NewTransferID()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[peer] open store: %v", err)
	}
	defer st.Close()

	idx, err := search.Open()
	if err != nil {
		log.Fatalf("[peer] open search index: %v", err)
	}
	defer idx.Close()

	// Name left empty: an unnamed room is store.Store.RoomName's "" sentinel,
	// which syncengine treats as "worth merging in a peer's room name."
	if err := st.PutRoom(roomCode, "", time.Now().Unix()); err != nil {
		log.Printf("[peer] put room: %v", err)
	}
	if _, ok := st.ChannelByID(defaultChannelID); !ok {
		ch := protocol.ChannelCreatedPayload{ID: defaultChannelID, Name: "general", Kind: "text", CreatedAt: time.Now().Unix()}
		if err := st.PutChannel(roomCode, ch); err != nil {
			log.Printf("[peer] put channel: %v", err)
		}
	}

	turnBase := *turnHTTP
	if turnBase == "" {
		turnBase = httpBaseFromWS(*server)
	}
	if servers, err := signaling.FetchTurnCredentials(turnBase); err != nil {
		log.Printf("[peer] fetch turn credentials: %v (continuing with STUN only)", err)
	} else {
		negotiate.ICEServers = append(negotiate.ICEServers, servers...)
	}

	api, err := negotiate.NewAPI()
	if err != nil {
		log.Fatalf("[peer] build pion api: %v", err)
	}

	// sig is assigned after meshMgr, but meshMgr needs a Signaling value
	// at construction time; lazySignal defers every call through the
	// pointer until sig is actually set, which happens before any
	// network event can reach the mesh manager.
	var sig *signaling.Client
	receivers := newFileReceivers(st, *downloadDir)

	var meshMgr *mesh.Manager
	var roomState *room.Room
	var syncEng *syncengine.Engine
	var mediaPlane *media.Plane
	presence := newPresenceTracker()

	meshMgr = mesh.New(localID, *username, api, lazySignal{&sig}, mesh.Handlers{
		OnPeerReady: func(p *mesh.Peer) {
			log.Printf("[peer] control channel ready with %s", p.ID)
			if roomState != nil && !roomState.HasKey() {
				if err := roomState.RequestKeyFrom(p.ID); err != nil {
					log.Printf("[peer] request room key from %s: %v", p.ID, err)
				}
			}
			if syncEng != nil {
				if err := syncEng.HelloTo(p.ID); err != nil {
					log.Printf("[peer] sync hello to %s: %v", p.ID, err)
				}
			}
		},
		OnMessage: func(p *mesh.Peer, tag protocol.Tag, payload any) {
			handleControlMessage(st, idx, roomState, syncEng, mediaPlane, presence, meshMgr, p, tag, payload)
		},
		OnChunk: func(p *mesh.Peer, transferID string, chunkIndex int, data []byte) {
			receivers.addChunk(transferID, chunkIndex, data)
		},
		OnTrack: func(p *mesh.Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			log.Printf("[peer] inbound %s track from %s", mediaPlane.ClassifyInboundTrack(p.ID, track), p.ID)
		},
		OnPeerClosed: func(peerID string) {
			log.Printf("[peer] peer %s disconnected", peerID)
		},
	})

	syncEng = syncengine.New(roomCode, st, meshMgr)
	roomState = room.New(roomCode, *username, explicitKey, fragmentKey, st, meshMgr, syncEng,
		func(n room.Notice) { log.Printf("[peer] %s: %s", n.Kind, n.Message) },
		func(requesterUsername string) bool { return true }, // reference peer auto-admits
	)
	// Rebuild the in-memory search index from the persisted store; content
	// is indexed decrypted where the room key allows.
	for _, sm := range st.MessagesSince(roomCode, nil) {
		display, err := roomState.Decrypt(sm.Content)
		if err != nil {
			continue
		}
		sm.Content = display
		if err := idx.Put(sm); err != nil {
			log.Printf("[peer] index stored message %s: %v", sm.ID, err)
		}
	}
	mediaPlane = media.New(meshMgr)
	mediaPlane.OnKeyframeRequest(func(kind media.Kind) {
		log.Printf("[peer] keyframe requested for %s track", kind)
	})

	sig = signaling.New(wsURLFor(*server), roomCode, localID, *username, signaling.Handlers{
		OnPeerList: func(peers []string) {
			for _, peerID := range peers {
				if peerID == localID {
					continue
				}
				if _, err := meshMgr.EnsurePeer(peerID, localID < peerID); err != nil {
					log.Printf("[peer] ensure peer %s: %v", peerID, err)
				}
			}
		},
		OnPeerJoined: func(peerID, name string) {
			log.Printf("[peer] %s (%s) joined", name, peerID)
			if peerID == localID {
				return
			}
			if _, err := meshMgr.EnsurePeer(peerID, localID < peerID); err != nil {
				log.Printf("[peer] ensure peer %s: %v", peerID, err)
			}
		},
		OnPeerLeft: func(peerID string) {
			log.Printf("[peer] %s left", peerID)
			meshMgr.RemovePeer(peerID)
		},
		OnOffer: func(fromPeer string, sdp webrtc.SessionDescription) {
			p, err := meshMgr.EnsurePeer(fromPeer, false)
			if err != nil {
				log.Printf("[peer] ensure peer for offer from %s: %v", fromPeer, err)
				return
			}
			if err := p.Negotiate.OnOffer(sdp); err != nil {
				log.Printf("[peer] handle offer from %s: %v", fromPeer, err)
			}
		},
		OnAnswer: func(fromPeer string, sdp webrtc.SessionDescription) {
			p, ok := meshMgr.Peer(fromPeer)
			if !ok {
				return
			}
			if err := p.Negotiate.OnAnswer(sdp); err != nil {
				log.Printf("[peer] handle answer from %s: %v", fromPeer, err)
			}
		},
		OnCandidate: func(fromPeer string, cand webrtc.ICECandidateInit) {
			p, ok := meshMgr.Peer(fromPeer)
			if !ok {
				return
			}
			if err := p.Negotiate.OnCandidate(cand); err != nil {
				log.Printf("[peer] handle candidate from %s: %v", fromPeer, err)
			}
		},
		OnConnected: func() {
			log.Printf("[peer] connected to relay %s", *server)
		},
		OnSyncPoll: func(pollID string, lastMessageID *string, roomID string) {
			msgs := st.MessagesSince(roomID, lastMessageID)
			raw := make([]json.RawMessage, 0, len(msgs))
			for _, wm := range msgs {
				b, err := json.Marshal(wm)
				if err != nil {
					log.Printf("[peer] marshal message %s for sync-poll: %v", wm.ID, err)
					continue
				}
				raw = append(raw, b)
			}
			if err := sig.SendSyncPollResponse(pollID, raw); err != nil {
				log.Printf("[peer] send sync-poll-response: %v", err)
			}
		},
	})

	go sig.Run()
	defer sig.Close()

	if roomState.HasKey() {
		if k, ok := roomState.Key(); ok {
			link, err := crypto.GenerateInvite(httpBaseFromWS(*server), roomCode, k)
			if err == nil {
				fmt.Printf("invite: %s\n", link)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go runChatLoop(meshMgr, roomState, st, idx, *username, localID)

	<-sigCh
	log.Println("[peer] shutting down")
	meshMgr.Close()
}

// lazySignal defers SendOffer/SendAnswer/SendCandidate through a
// *signaling.Client pointer that isn't populated until after mesh.New
// returns, breaking the otherwise-circular construction order between the
// mesh manager and the signaling client.
type lazySignal struct{ c **signaling.Client }

func (l lazySignal) SendOffer(peerID string, sdp webrtc.SessionDescription) error {
	return (*l.c).SendOffer(peerID, sdp)
}
func (l lazySignal) SendAnswer(peerID string, sdp webrtc.SessionDescription) error {
	return (*l.c).SendAnswer(peerID, sdp)
}
func (l lazySignal) SendCandidate(peerID string, c *webrtc.ICECandidate) error {
	return (*l.c).SendCandidate(peerID, c)
}

// wsURLFor normalizes server into a websocket URL; it's accepted as-is if
// already ws(s)://, otherwise treated as an http(s) origin with /ws
// appended, matching how the relay binary exposes its endpoint.
func wsURLFor(server string) string {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		return server
	}
	base := httpBaseFromWS(server)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

// httpBaseFromWS derives the relay's HTTP origin (for TURN credential
// fetch and invite URLs) from its websocket URL, mirroring the teacher's
// FetchTurnCredentials call site in client.Setup which does the same
// ws->http translation.
func httpBaseFromWS(server string) string {
	base := server
	base = strings.TrimSuffix(base, "/ws")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	default:
		return base
	}
}

// presenceTracker implements §4.7's per-peer presence state machine: two
// states {joined, left}, duplicate events in the same state ignored.
type presenceTracker struct {
	mu    sync.Mutex
	state map[string]protocol.PresenceAction
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{state: make(map[string]protocol.PresenceAction)}
}

// transition records action for peerID and reports whether it's a genuine
// state change; a duplicate event in the already-current state is ignored.
func (t *presenceTracker) transition(peerID string, action protocol.PresenceAction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state[peerID] == action {
		return false
	}
	t.state[peerID] = action
	return true
}

// handleControlMessage is the exhaustive dispatch table for every inbound
// control-channel tag, per the "tagged discriminated type" redesign flag:
// a type switch on protocol.Tag rather than probing an untyped map.
func handleControlMessage(st *store.Store, idx *search.Index, rm *room.Room, se *syncengine.Engine, mp *media.Plane, presence *presenceTracker, mm *mesh.Manager, p *mesh.Peer, tag protocol.Tag, payload any) {
	switch tag {
	case protocol.TagMessage:
		mp := payload.(protocol.MessagePayload)
		// Persisted exactly as received — plaintext or crypto.Encrypt's
		// wire form — per store.Store's "never decrypted at rest"
		// contract; only the display copy and the search index get the
		// plaintext.
		if err := st.PutMessage(mp.Message.ChannelID, mp.Message); err != nil {
			log.Printf("[peer] persist message %s: %v", mp.Message.ID, err)
		}
		display, err := rm.Decrypt(mp.Message.Content)
		if err != nil {
			log.Printf("[peer] decrypt message %s: %v", mp.Message.ID, err)
			return
		}
		indexed := mp.Message
		indexed.Content = display
		if err := idx.Put(indexed); err != nil {
			log.Printf("[peer] index message %s: %v", mp.Message.ID, err)
		}
		fmt.Printf("%s: %s\n", mp.Message.Username, display)
		mm.Rebroadcast(mustEncode(tag, mp), p.ID)

	case protocol.TagReaction:
		rp := payload.(protocol.ReactionPayload)
		if err := st.ApplyReaction(rp.MessageID, rp.Emoji, rp.UserID, rp.Add); err != nil {
			log.Printf("[peer] apply reaction: %v", err)
		}
		mm.Rebroadcast(mustEncode(tag, rp), p.ID)

	case protocol.TagChannelCreated:
		cp := payload.(protocol.ChannelCreatedPayload)
		st.ApplyChannel(rm.ID(), cp)
		mm.Rebroadcast(mustEncode(tag, cp), p.ID)

	case protocol.TagPresenceEvent:
		pe := payload.(protocol.PresenceEventPayload)
		username := strings.TrimSpace(pe.Username)
		if username != "" && presence.transition(p.ID, pe.Action) {
			fmt.Printf("* %s %sed\n", username, pe.Action)
		}

	case protocol.TagSyncHello:
		hp := payload.(protocol.SyncHelloPayload)
		if err := se.HandleSyncHello(p.ID, hp); err != nil {
			log.Printf("[peer] handle sync-hello from %s: %v", p.ID, err)
		}

	case protocol.TagSyncRequest:
		if err := se.HandleSyncRequest(p.ID); err != nil {
			log.Printf("[peer] handle sync-request from %s: %v", p.ID, err)
		}

	case protocol.TagSyncResponse:
		se.HandleSyncResponse(payload.(protocol.SyncResponsePayload))

	case protocol.TagHistoryRequest:
		if err := se.HandleHistoryRequest(p.ID, payload.(protocol.HistoryRequestPayload)); err != nil {
			log.Printf("[peer] handle history-request from %s: %v", p.ID, err)
		}

	case protocol.TagHistoryResponse:
		se.HandleHistoryResponse(payload.(protocol.HistoryResponsePayload))

	case protocol.TagRoomKeyRequest:
		if err := rm.HandleRoomKeyRequest(p.ID, payload.(protocol.RoomKeyRequestPayload)); err != nil {
			log.Printf("[peer] handle room-key-request from %s: %v", p.ID, err)
		}

	case protocol.TagRoomKeyShare:
		if err := rm.HandleRoomKeyShare(p.ID, payload.(protocol.RoomKeySharePayload)); err != nil {
			log.Printf("[peer] handle room-key-share from %s: %v", p.ID, err)
		}

	case protocol.TagCameraState:
		cp := payload.(protocol.CameraStatePayload)
		mp.SetRemoteCameraOn(p.ID, cp.On)

	case protocol.TagVoiceState, protocol.TagSpeakingState, protocol.TagScreenShareState,
		protocol.TagScreenWatch:
		// Presence/media-state frames are logged for now; the CLI peer
		// has no voice UI to drive with them.
		log.Printf("[peer] %s from %s: %+v", tag, p.ID, payload)

	case protocol.TagFileMetadata:
		fm := payload.(protocol.FileMetadataPayload)
		log.Printf("[peer] incoming file %q (%d bytes) from %s", fm.Metadata.Name, fm.Metadata.Size, p.ID)

	default:
		// Unknown or handshake-only tags (user-info, and file-chunk-meta
		// after router.Router has armed its chunk slot) fall through
		// silently, per §4.5.
	}
}

func mustEncode(tag protocol.Tag, payload any) []byte {
	raw, err := protocol.Encode(tag, payload)
	if err != nil {
		log.Printf("[peer] re-encode %s for rebroadcast: %v", tag, err)
		return nil
	}
	return raw
}

// fileReceivers tracks in-flight inbound file transfers by transfer id.
// The reference peer doesn't retain FileMetadataPayload's declared chunk
// count across the two control-channel frames, so it grows each
// Receiver's target chunk count as higher indices arrive; a real UI client
// would arm the Receiver from TagFileMetadata directly instead.
type fileReceivers struct {
	st  *store.Store
	dir string

	mu   sync.Mutex
	recv map[string]*filetransfer.Receiver
}

func newFileReceivers(st *store.Store, dir string) *fileReceivers {
	return &fileReceivers{st: st, dir: dir, recv: make(map[string]*filetransfer.Receiver)}
}

func (f *fileReceivers) addChunk(transferID string, chunkIndex int, data []byte) {
	f.mu.Lock()
	r, ok := f.recv[transferID]
	if !ok {
		r = filetransfer.NewReceiver(transferID, chunkIndex+1, func(p filetransfer.Progress) {
			log.Printf("[peer] transfer %s: %d/%d chunks", p.TransferID, p.ReceivedChunks, p.TotalChunks)
		}, func(complete []byte) {
			path := filepath.Join(f.dir, transferID)
			if err := os.WriteFile(path, complete, 0o644); err != nil {
				log.Printf("[peer] write completed transfer %s: %v", transferID, err)
				return
			}
			if err := f.st.PutFile(transferID, filepath.Base(path), int64(len(complete)), "application/octet-stream", complete); err != nil {
				log.Printf("[peer] persist completed transfer %s: %v", transferID, err)
			}
			log.Printf("[peer] transfer %s complete: %s", transferID, path)
		})
		f.recv[transferID] = r
	}
	f.mu.Unlock()
	r.AddChunk(chunkIndex, data)
}

// runChatLoop reads lines from stdin and turns them into broadcast chat
// messages or slash commands, the CLI equivalent of the teacher's browser
// UI's send button.
func runChatLoop(mm *mesh.Manager, rm *room.Room, st *store.Store, idx *search.Index, username, userID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/send ") {
			sendFile(mm, strings.TrimPrefix(line, "/send "))
			continue
		}
		if strings.HasPrefix(line, "/react ") {
			sendReaction(mm, strings.TrimPrefix(line, "/react "), userID)
			continue
		}

		msgID, err := ids.NewMessageID()
		if err != nil {
			log.Printf("[peer] generate message id: %v", err)
			continue
		}
		content, err := rm.Encrypt(line)
		if err != nil {
			log.Printf("[peer] encrypt message: %v", err)
			continue
		}
		wm := protocol.WireMessage{
			ID: msgID, ChannelID: defaultChannelID, UserID: userID, Username: username,
			Content: content, Timestamp: time.Now().UnixMilli(),
		}
		if err := st.PutMessage(defaultChannelID, wm); err != nil {
			log.Printf("[peer] persist own message: %v", err)
		}
		indexed := wm
		indexed.Content = line
		if err := idx.Put(indexed); err != nil {
			log.Printf("[peer] index own message: %v", err)
		}
		mm.Broadcast(protocol.TagMessage, protocol.MessagePayload{Message: wm})
	}
}

// sendFile reads path whole and streams it to every connected peer over
// its own control channel, chunked by filetransfer.Send.
func sendFile(mm *mesh.Manager, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[peer] read %s: %v", path, err)
		return
	}
	transferID := ids.NewTransferID()
	meta := protocol.FileMetadataPayload{
		Metadata: protocol.FileMetadata{
			Name: filepath.Base(path), Size: int64(len(data)), Type: "application/octet-stream",
			Chunks: filetransfer.ChunkCount(int64(len(data))), TransferID: transferID,
		},
		ChannelID: defaultChannelID,
	}
	mm.Broadcast(protocol.TagFileMetadata, meta)
	for _, p := range mm.Peers() {
		if p.Router == nil {
			continue
		}
		if err := filetransfer.Send(p.Router, transferID, data); err != nil {
			log.Printf("[peer] send file to %s: %v", p.ID, err)
		}
	}
}

// sendReaction parses "/react <message-id> <emoji>" and broadcasts an add.
func sendReaction(mm *mesh.Manager, args, userID string) {
	parts := strings.SplitN(args, " ", 2)
	if len(parts) != 2 {
		log.Printf("[peer] usage: /react <message-id> <emoji>")
		return
	}
	mm.Broadcast(protocol.TagReaction, protocol.ReactionPayload{
		MessageID: parts[0], Emoji: parts[1], UserID: userID, Add: true,
	})
}
