package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warprelay/internal/signaling"
	"github.com/BioHazard786/warprelay/internal/version"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// The first protocol the client offers from this list selects the
	// outbound codec. No subprotocol means JSON.
	Subprotocols: []string{signaling.SubprotocolJSON, signaling.SubprotocolMsgpack},

	// Browsers and the CLI connect from anywhere; there is nothing to protect
	// behind an origin check.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs returns an http.HandlerFunc that handles websocket requests.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("failed to upgrade connection", "remote_addr", r.RemoteAddr, "err", err)
			return
		}

		codec := signaling.CodecForSubprotocol(conn.Subprotocol())
		client := signaling.NewClient(s.hub, conn, codec, s.clientOpts)
		s.log.Debug("websocket connected", "conn_id", client.ID, "remote_addr", r.RemoteAddr, "codec", codec.Name())

		// The pumps own the connection from here on.
		go client.WritePump()
		go client.ReadPump()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": version.Version,
		"mode":    s.hub.Stats().Mode,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.hub.Stats())
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
