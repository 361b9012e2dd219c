package signaling

// Stats is a point-in-time view of the relay, served on /stats.
type Stats struct {
	Mode      Mode            `json:"mode"`
	Peers     []DeviceInfo    `json:"peers"`
	Rooms     []RoomStats     `json:"rooms"`
	Transfers []TransferStats `json:"transfers"`
	NamesFree int             `json:"namesFree"`
}

type RoomStats struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

type TransferStats struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	Sender   string `json:"sender"`
	Target   string `json:"target"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
	Bytes    int64  `json:"bytes"`
}

// Stats collects the current state of every component.
func (h *Hub) Stats() Stats {
	return Stats{
		Mode:      h.transfers.Mode(),
		Peers:     h.registry.Snapshot(""),
		Rooms:     h.rooms.Stats(),
		Transfers: h.transfers.Stats(),
		NamesFree: h.names.Available(),
	}
}
