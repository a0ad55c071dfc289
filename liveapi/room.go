package liveapi

import (
	"context"
	"sync"
	"time"
)

// Info is the latest known snapshot of a room.
type Info struct {
	RoomID      string
	Title       string
	HostName    string
	Live        bool
	RefreshedAt time.Time
}

// Room caches the latest Info for one monitored room. Safe for concurrent use.
type Room struct {
	ID     string
	client *Client

	mu   sync.RWMutex
	info Info
}

// NewRoom returns a Room backed by c.
func NewRoom(id string, c *Client) *Room {
	return &Room{ID: id, client: c, info: Info{RoomID: id}}
}

// Refresh fetches the room status. On error the previous snapshot is kept and returned.
// A failed host-name lookup keeps the previously known name.
func (r *Room) Refresh(ctx context.Context) (Info, error) {
	st, err := r.client.GetRoomStatus(ctx, r.canonicalID())
	if err != nil {
		return r.Info(), err
	}
	host := r.Info().HostName
	if name, err := r.client.GetHostName(ctx, st.RoomID); err == nil && name != "" {
		host = name
	}
	next := Info{RoomID: st.RoomID, Title: st.Title, HostName: host, Live: st.Live, RefreshedAt: time.Now()}
	r.mu.Lock()
	r.info = next
	r.mu.Unlock()
	return next, nil
}

// StreamURL returns the first stream URL, or ErrNoStream when none is listed.
func (r *Room) StreamURL(ctx context.Context) (string, error) {
	urls, err := r.client.GetStreamURLs(ctx, r.canonicalID())
	if err != nil {
		return "", err
	}
	if len(urls) == 0 {
		return "", ErrNoStream
	}
	return urls[0], nil
}

// Info returns the latest snapshot.
func (r *Room) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (r *Room) canonicalID() string {
	if id := r.Info().RoomID; id != "" {
		return id
	}
	return r.ID
}
