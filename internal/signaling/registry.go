package signaling

import (
	"maps"
	"sort"
	"sync"
)

// Conn is the send side of a peer's connection as seen by the relay core.
type Conn interface {
	// Send queues msg for delivery. It never blocks on the network.
	Send(msg any) error
	// IsClosed reports whether the underlying transport has died.
	IsClosed() bool
}

type peer struct {
	info DeviceInfo
	conn Conn
	seq  uint64
}

// PeerHandle pairs a device id with its connection, as seen by the sweeper.
type PeerHandle struct {
	DeviceID string
	Conn     Conn
}

// Registry maps device ids to their connection and metadata. It is the only
// place that knows who is connected.
type Registry struct {
	mu    sync.RWMutex
	names *NameAllocator
	peers map[string]*peer
	seq   uint64
}

func NewRegistry(names *NameAllocator) *Registry {
	return &Registry{
		names: names,
		peers: make(map[string]*peer),
	}
}

// Register stores conn under deviceID and returns the device's display name.
// An existing entry for deviceID is replaced; its connection is returned as
// displaced so the caller can tell the old connection apart.
func (r *Registry) Register(deviceID string, metadata map[string]any, conn Conn) (name string, displaced Conn, err error) {
	name, err = r.names.Allocate(deviceID)
	if err != nil {
		return "", nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.peers[deviceID]; ok && old.conn != conn {
		displaced = old.conn
	}
	r.seq++
	r.peers[deviceID] = &peer{
		info: DeviceInfo{ID: deviceID, Name: name, Metadata: cleanMetadata(metadata)},
		conn: conn,
		seq:  r.seq,
	}
	return name, displaced, nil
}

// cleanMetadata copies the client supplied device fields, dropping the id.
func cleanMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := maps.Clone(metadata)
	delete(out, "id")
	if len(out) == 0 {
		return nil
	}
	return out
}

// Lookup returns the connection registered for deviceID.
func (r *Registry) Lookup(deviceID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[deviceID]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

// Peer returns a copy of the public view of deviceID.
func (r *Registry) Peer(deviceID string) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[deviceID]
	if !ok {
		return DeviceInfo{}, false
	}
	return copyInfo(p.info), true
}

// Remove deletes deviceID and releases its name. Removing an unknown id is a no-op.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.peers[deviceID]
	delete(r.peers, deviceID)
	r.mu.Unlock()

	if ok {
		r.names.Release(deviceID)
	}
	return ok
}

// RemoveIfCurrent removes deviceID only while it is still registered to conn,
// so a displaced connection cannot tear down its replacement.
func (r *Registry) RemoveIfCurrent(deviceID string, conn Conn) (DeviceInfo, bool) {
	r.mu.Lock()
	p, ok := r.peers[deviceID]
	if !ok || p.conn != conn {
		r.mu.Unlock()
		return DeviceInfo{}, false
	}
	delete(r.peers, deviceID)
	r.mu.Unlock()

	r.names.Release(deviceID)
	return p.info, true
}

// Snapshot lists registered devices in registration order, leaving out excluding.
func (r *Registry) Snapshot(excluding string) []DeviceInfo {
	r.mu.RLock()
	ordered := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == excluding {
			continue
		}
		ordered = append(ordered, p)
	}
	r.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	out := make([]DeviceInfo, 0, len(ordered))
	for _, p := range ordered {
		out = append(out, copyInfo(p.info))
	}
	return out
}

// Handles lists every registered device with its connection.
func (r *Registry) Handles() []PeerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerHandle, 0, len(r.peers))
	for id, p := range r.peers {
		out = append(out, PeerHandle{DeviceID: id, Conn: p.conn})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func copyInfo(info DeviceInfo) DeviceInfo {
	info.Metadata = maps.Clone(info.Metadata)
	return info
}
