// Command relay runs the stateless signaling relay (cmd/relay): the
// websocket hub plus TURN credential issuance, both of which never see
// plaintext message content or room keys.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/n0remac/meshchat/relay"
)

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	turnSecret := flag.String("turn-secret", "", "shared secret for TURN credential HMAC signing (also read from TURN_SECRET)")
	flag.Parse()

	secret := *turnSecret
	if secret == "" {
		secret = os.Getenv("TURN_SECRET")
	}
	if secret == "" {
		log.Printf("[relay] TURN_SECRET not set; /turn-credentials will return 404")
	}

	hub := relay.NewHub(nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/turn-credentials", relay.ServeTurnCredentials(secret))
	mux.HandleFunc("/vapid-public-key", hub.ServeVapidPublicKey)
	mux.HandleFunc("POST /rooms/{room_id}/poll", func(w http.ResponseWriter, r *http.Request) {
		hub.ServePoll(r.PathValue("room_id"))(w, r)
	})

	log.Printf("[relay] listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("[relay] ListenAndServe: %v", err)
	}
}
