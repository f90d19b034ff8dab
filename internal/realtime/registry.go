package realtime

import (
	"sort"
	"strings"
	"time"
)

// Role tags a room member. Only participants count towards the expected respondents.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
)

// ParseRole maps a wire role to a Role. Empty defaults to participant; "student" and "teacher" are
// accepted as legacy aliases.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "participant", "student":
		return RoleParticipant, true
	case "moderator", "teacher":
		return RoleModerator, true
	default:
		return "", false
	}
}

// Participant is one registered room member together with its live transport handle.
type Participant struct {
	ClientID    string
	DisplayName string
	Role        Role
	JoinedAt    time.Time
	conn        Conn
}

// ParticipantView is the roster entry sent over the wire. Transport handles are never exposed.
type ParticipantView struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// registry keeps the members of one poll room. members and moderators are maintained together so
// moderator-only delivery never scans the whole room.
type registry struct {
	members      map[string]*Participant
	moderators   map[string]*Participant
	participants int
}

func newRegistry() *registry {
	return &registry{
		members:    make(map[string]*Participant),
		moderators: make(map[string]*Participant),
	}
}

// put inserts p or replaces the entry with the same client id. The original JoinedAt is kept on
// re-join so roster order is stable.
func (r *registry) put(p *Participant) (previous *Participant) {
	if old, ok := r.members[p.ClientID]; ok {
		r.drop(old)
		p.JoinedAt = old.JoinedAt
		previous = old
	}
	r.members[p.ClientID] = p
	if p.Role == RoleModerator {
		r.moderators[p.ClientID] = p
	} else {
		r.participants++
	}
	return previous
}

// remove deletes the entry for clientID. When conn is non-nil the entry is only removed if it still
// belongs to that connection, so a stale connection cannot evict a newer one.
func (r *registry) remove(clientID string, conn Conn) (*Participant, bool) {
	p, ok := r.members[clientID]
	if !ok {
		return nil, false
	}
	if conn != nil && p.conn != conn {
		return nil, false
	}
	r.drop(p)
	return p, true
}

func (r *registry) drop(p *Participant) {
	delete(r.members, p.ClientID)
	if p.Role == RoleModerator {
		delete(r.moderators, p.ClientID)
	} else {
		r.participants--
	}
}

func (r *registry) get(clientID string) *Participant {
	return r.members[clientID]
}

// expected is the number of members that must answer before a question closes early.
func (r *registry) expected() int {
	return r.participants
}

func (r *registry) size() int {
	return len(r.members)
}

func (r *registry) roster() []ParticipantView {
	list := make([]*Participant, 0, len(r.members))
	for _, p := range r.members {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].ClientID < list[j].ClientID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	out := make([]ParticipantView, 0, len(list))
	for _, p := range list {
		out = append(out, ParticipantView{ClientID: p.ClientID, DisplayName: p.DisplayName, Role: p.Role})
	}
	return out
}

func (r *registry) eachMember(fn func(p *Participant)) {
	for _, p := range r.members {
		fn(p)
	}
}

func (r *registry) eachModerator(fn func(p *Participant)) {
	for _, p := range r.moderators {
		fn(p)
	}
}
