package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/chat"
)

// Presence tracks which users have at least one open session. A user can
// hold several sessions at once; they go offline when the last one closes,
// after an optional debounce that absorbs quick reconnects.
type Presence struct {
	mu       sync.Mutex
	sessions map[chat.ID]map[string]struct{} // userID -> sessionIDs
	users    map[chat.ID]chat.User
	timers   map[chat.ID]*time.Timer
	debounce time.Duration
	onChange func(users []chat.User)
	logger   *slog.Logger
	now      func() time.Time
}

// NewPresence creates a tracker. onChange is called, without locks held,
// whenever the snapshot changes because a user came online or went offline.
func NewPresence(debounce time.Duration, onChange func(users []chat.User), logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func([]chat.User) {}
	}
	return &Presence{
		sessions: make(map[chat.ID]map[string]struct{}),
		users:    make(map[chat.ID]chat.User),
		timers:   make(map[chat.ID]*time.Timer),
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("service", "presence"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Connect records a session for user. It reports whether this is the user's
// first live session.
func (p *Presence) Connect(userID chat.ID, username, sessionID string) bool {
	p.mu.Lock()

	if timer, ok := p.timers[userID]; ok {
		timer.Stop()
		delete(p.timers, userID)
		p.logger.Debug("Cancelled offline debounce due to reconnection", "user_id", userID)
	}

	conns := p.sessions[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		p.sessions[userID] = conns
	}
	conns[sessionID] = struct{}{}

	u := p.users[userID]
	wasOnline := u.Online
	u.ID = userID
	u.Username = username
	u.Online = true
	u.LastSeen = nil
	p.users[userID] = u

	first := len(conns) == 1
	if wasOnline {
		p.mu.Unlock()
		return first
	}
	p.logger.Info("User came online", "user_id", userID, "username", username)
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.onChange(snapshot)
	return first
}

// Disconnect removes a session. It reports whether it was the user's last.
func (p *Presence) Disconnect(userID chat.ID, sessionID string) bool {
	p.mu.Lock()
	conns, ok := p.sessions[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(conns, sessionID)
	if len(conns) > 0 {
		p.mu.Unlock()
		return false
	}
	delete(p.sessions, userID)

	if p.debounce <= 0 {
		snapshot, changed := p.markOfflineLocked(userID)
		p.mu.Unlock()
		if changed {
			p.onChange(snapshot)
		}
		return true
	}

	p.timers[userID] = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		delete(p.timers, userID)
		if _, back := p.sessions[userID]; back {
			p.mu.Unlock()
			return
		}
		snapshot, changed := p.markOfflineLocked(userID)
		p.mu.Unlock()
		if changed {
			p.onChange(snapshot)
		}
	})
	p.mu.Unlock()
	return true
}

// Snapshot returns every known user sorted by username.
func (p *Presence) Snapshot() []chat.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Online reports whether user has a live session.
func (p *Presence) Online(userID chat.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[userID].Online
}

// Stop cancels pending debounce timers.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
}

func (p *Presence) markOfflineLocked(userID chat.ID) ([]chat.User, bool) {
	u, ok := p.users[userID]
	if !ok || !u.Online {
		return nil, false
	}
	seen := chat.At(p.now())
	u.Online = false
	u.LastSeen = &seen
	p.users[userID] = u
	p.logger.Info("User went offline", "user_id", userID)
	return p.snapshotLocked(), true
}

func (p *Presence) snapshotLocked() []chat.User {
	out := make([]chat.User, 0, len(p.users))
	for _, u := range p.users {
		if u.LastSeen != nil {
			ts := *u.LastSeen
			u.LastSeen = &ts
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}
