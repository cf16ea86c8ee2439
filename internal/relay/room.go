package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// remoteClient is one registered websocket session.
type remoteClient struct {
	conn      *websocket.Conn
	userID    string
	sessionID string
	region    string
	writeMu   sync.Mutex
}

func (c *remoteClient) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// room groups the clients registered to one region.
type room struct {
	mu      sync.Mutex
	clients map[*remoteClient]struct{}
}

func newRoom() *room {
	return &room{clients: make(map[*remoteClient]struct{})}
}

func (r *room) add(c *remoteClient) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

func (r *room) remove(c *remoteClient) int {
	r.mu.Lock()
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()
	return n
}

// roomSet maps region names to rooms.
type roomSet struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newRoomSet() *roomSet {
	return &roomSet{rooms: make(map[string]*room)}
}

func (rs *roomSet) join(region string, c *remoteClient) {
	rs.mu.Lock()
	rm, ok := rs.rooms[region]
	if !ok {
		rm = newRoom()
		rs.rooms[region] = rm
	}
	rs.mu.Unlock()
	rm.add(c)
}

func (rs *roomSet) leave(region string, c *remoteClient) {
	rs.mu.Lock()
	rm, ok := rs.rooms[region]
	rs.mu.Unlock()
	if !ok {
		return
	}
	if rm.remove(c) == 0 {
		rs.mu.Lock()
		// Re-check under the lock; a client may have joined in between.
		rm.mu.Lock()
		empty := len(rm.clients) == 0
		rm.mu.Unlock()
		if empty {
			delete(rs.rooms, region)
		}
		rs.mu.Unlock()
	}
}

func (rs *roomSet) broadcast(region string, sender *remoteClient, data []byte) {
	rs.mu.Lock()
	rm, ok := rs.rooms[region]
	rs.mu.Unlock()
	if ok {
		rm.broadcast(sender, data)
	}
}

// broadcast sends data to every client in the room except the sender.
func (r *room) broadcast(sender *remoteClient, data []byte) {
	r.mu.Lock()
	targets := make([]*remoteClient, 0, len(r.clients))
	for c := range r.clients {
		if c != sender {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		_ = c.send(data)
	}
}
