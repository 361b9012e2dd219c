package signaling

import (
	"cmp"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/BioHazard786/warprelay/internal/metrics"
)

const (
	roomIDMin  = 10000
	roomIDSpan = 90000 // 5-digit ids: 10000..99999
)

// Room is a group of devices that see each other's presence.
type Room struct {
	// ID is the 5-digit room code.
	ID string

	// members maps device ids to the display name they joined with.
	members map[string]string

	// order keeps members in join order for deterministic broadcasts.
	order []string
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]string)}
}

func (r *Room) add(deviceID, name string) {
	if _, ok := r.members[deviceID]; ok {
		return
	}
	r.members[deviceID] = name
	r.order = append(r.order, deviceID)
}

func (r *Room) remove(deviceID string) (string, bool) {
	name, ok := r.members[deviceID]
	if !ok {
		return "", false
	}
	delete(r.members, deviceID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == deviceID })
	return name, true
}

func (r *Room) empty() bool {
	return len(r.members) == 0
}

type member struct {
	id   string
	name string
}

func (r *Room) snapshot() []member {
	out := make([]member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, member{id: id, name: r.members[id]})
	}
	return out
}

// ComputeView returns all members except excluding. The result is never nil
// so a lone member receives an empty list rather than no list.
func ComputeView(all []DeviceInfo, excluding string) []DeviceInfo {
	view := make([]DeviceInfo, 0, len(all))
	for _, d := range all {
		if d.ID == excluding {
			continue
		}
		view = append(view, d)
	}
	return view
}

// RoomManager owns room lifecycle and membership. A device is a member of at
// most one room; creating or joining a room first leaves the current one.
type RoomManager struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	memberOf map[string]string // device id -> room id

	registry *Registry
	send     sender
	log      *slog.Logger
	metrics  *metrics.Metrics

	maxDraws int
	randIdx  func(n int) int
}

func NewRoomManager(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*Room),
		memberOf: make(map[string]string),
		registry: registry,
		send:     sender{registry: registry, log: logger, metrics: m},
		log:      logger,
		metrics:  m,
		maxDraws: 64,
		randIdx:  randomIndex,
	}
}

// newRoomIDLocked draws random 5-digit ids until one is free.
func (m *RoomManager) newRoomIDLocked() (string, error) {
	if len(m.rooms) >= roomIDSpan {
		return "", ErrRoomIDsExhausted
	}
	for i := 0; i < m.maxDraws; i++ {
		id := strconv.Itoa(roomIDMin + m.randIdx(roomIDSpan))
		if _, taken := m.rooms[id]; !taken {
			return id, nil
		}
	}
	start := m.randIdx(roomIDSpan)
	for i := 0; i < roomIDSpan; i++ {
		id := strconv.Itoa(roomIDMin + (start+i)%roomIDSpan)
		if _, taken := m.rooms[id]; !taken {
			return id, nil
		}
	}
	return "", ErrRoomIDsExhausted
}

// CreateRoom makes a new room with ownerID as its only member.
func (m *RoomManager) CreateRoom(ownerID string) (string, error) {
	owner, ok := m.registry.Peer(ownerID)
	if !ok {
		return "", notFoundError("create room", ErrNotRegistered)
	}

	var out outbox
	m.mu.Lock()
	prev, prevAlive := m.leaveLocked(ownerID, &out, true)
	id, err := m.newRoomIDLocked()
	if err == nil {
		room := newRoom(id)
		room.add(ownerID, owner.Name)
		m.rooms[id] = room
		m.memberOf[ownerID] = id
		out.add(ownerID, &RoomEvent{Type: TypeRoomCreated, RoomID: id})
	}
	m.metrics.SetRooms(len(m.rooms))
	m.mu.Unlock()

	m.send.flush(out)
	if prevAlive {
		m.Broadcast(prev)
	}
	if err != nil {
		return "", &Error{Op: "create room", Kind: KindProtocol, Err: err}
	}

	m.log.Info("room created", "room_id", id, "device_id", ownerID)
	m.Broadcast(id)
	return id, nil
}

// JoinRoom adds peerID to roomID. Existing members are told about the new
// device before it is added, so the joiner never sees its own join event.
func (m *RoomManager) JoinRoom(peerID, roomID string) error {
	joiner, ok := m.registry.Peer(peerID)
	if !ok {
		return notFoundError("join room", ErrNotRegistered)
	}

	var out outbox
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return notFoundError("join room", ErrRoomNotFound)
	}
	if m.memberOf[peerID] == roomID {
		m.mu.Unlock()
		if err := m.send.sendTo(peerID, &RoomEvent{Type: TypeRoomJoined, RoomID: roomID}); err != nil {
			return err
		}
		m.sendView(roomID, peerID)
		return nil
	}

	prev, prevAlive := m.leaveLocked(peerID, &out, true)
	for _, id := range room.order {
		out.add(id, &MemberEvent{Type: TypeDeviceJoined, RoomID: roomID, DeviceID: peerID, Name: joiner.Name})
	}
	room.add(peerID, joiner.Name)
	m.memberOf[peerID] = roomID
	out.add(peerID, &RoomEvent{Type: TypeRoomJoined, RoomID: roomID})
	m.metrics.SetRooms(len(m.rooms))
	m.mu.Unlock()

	m.send.flush(out)
	if prevAlive {
		m.Broadcast(prev)
	}
	m.log.Info("device joined room", "room_id", roomID, "device_id", peerID)
	m.Broadcast(roomID)
	return nil
}

// LeaveRoom removes peerID from its room and confirms with room-left.
func (m *RoomManager) LeaveRoom(peerID string) error {
	if !m.leave(peerID, true) {
		return notFoundError("leave room", ErrNotInRoom)
	}
	return nil
}

// HandleDisconnect removes a departed device from its room. It shares the
// LeaveRoom path but sends nothing to the departed device.
func (m *RoomManager) HandleDisconnect(peerID string) {
	m.leave(peerID, false)
}

func (m *RoomManager) leave(peerID string, reply bool) bool {
	var out outbox
	m.mu.Lock()
	roomID, alive := m.leaveLocked(peerID, &out, reply)
	m.metrics.SetRooms(len(m.rooms))
	m.mu.Unlock()

	if roomID == "" {
		return false
	}
	m.send.flush(out)
	if alive {
		m.Broadcast(roomID)
	} else {
		m.log.Info("room deleted", "room_id", roomID)
	}
	return true
}

// leaveLocked removes peerID from its current room, queueing room-left (when
// reply is set) and device-left notifications. It returns the room id, or ""
// if the device was in no room, and whether the room still exists.
func (m *RoomManager) leaveLocked(peerID string, out *outbox, reply bool) (string, bool) {
	roomID, ok := m.memberOf[peerID]
	if !ok {
		return "", false
	}
	delete(m.memberOf, peerID)

	room, ok := m.rooms[roomID]
	if !ok {
		return "", false
	}
	name, _ := room.remove(peerID)
	if reply {
		out.add(peerID, &RoomEvent{Type: TypeRoomLeft, RoomID: roomID})
	}
	if room.empty() {
		delete(m.rooms, roomID)
		return roomID, false
	}
	for _, id := range room.order {
		out.add(id, &MemberEvent{Type: TypeDeviceLeft, RoomID: roomID, DeviceID: peerID, Name: name})
	}
	return roomID, true
}

// Broadcast sends every member of roomID the member list without itself.
// A failed send is logged and the remaining members are still served.
func (m *RoomManager) Broadcast(roomID string) {
	all, ok := m.memberInfos(roomID)
	if !ok {
		return
	}
	for _, d := range all {
		_ = m.send.sendTo(d.ID, &RoomMembers{Type: TypeRoomMembers, RoomID: roomID, Devices: ComputeView(all, d.ID)})
	}
}

func (m *RoomManager) sendView(roomID, peerID string) {
	all, ok := m.memberInfos(roomID)
	if !ok {
		return
	}
	_ = m.send.sendTo(peerID, &RoomMembers{Type: TypeRoomMembers, RoomID: roomID, Devices: ComputeView(all, peerID)})
}

// memberInfos resolves the members of roomID through the registry, falling
// back to the name captured at join time for devices that are mid-teardown.
func (m *RoomManager) memberInfos(roomID string) ([]DeviceInfo, bool) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	var members []member
	if ok {
		members = room.snapshot()
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	all := make([]DeviceInfo, 0, len(members))
	for _, mem := range members {
		info, ok := m.registry.Peer(mem.id)
		if !ok {
			info = DeviceInfo{ID: mem.id, Name: mem.name}
		}
		all = append(all, info)
	}
	return all, true
}

// RoomOf returns the room deviceID is in.
func (m *RoomManager) RoomOf(deviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.memberOf[deviceID]
	return id, ok
}

// Members returns the device ids of roomID in join order.
func (m *RoomManager) Members(roomID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return slices.Clone(room.order), true
}

func (m *RoomManager) Exists(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

func (m *RoomManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Stats lists every room with its member names, ordered by room id.
func (m *RoomManager) Stats() []RoomStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomStats, 0, len(m.rooms))
	for id, room := range m.rooms {
		rs := RoomStats{ID: id}
		for _, mem := range room.snapshot() {
			rs.Members = append(rs.Members, mem.name)
		}
		out = append(out, rs)
	}
	slices.SortFunc(out, func(a, b RoomStats) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
