package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type nopConn struct{ id string }

func (c *nopConn) ID() string          { return c.id }
func (c *nopConn) Send(WSMessage) bool { return true }
func (c *nopConn) Close()              {}

func TestParseRole(t *testing.T) {
	tests := map[string]struct {
		in     string
		want   Role
		wantOK bool
	}{
		"empty defaults to participant": {in: "", want: RoleParticipant, wantOK: true},
		"student alias":                 {in: "student", want: RoleParticipant, wantOK: true},
		"teacher alias":                 {in: "Teacher", want: RoleModerator, wantOK: true},
		"moderator":                     {in: "moderator", want: RoleModerator, wantOK: true},
		"unknown":                       {in: "admin", wantOK: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := ParseRole(tc.in)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRegistry_ViewsStayInSync(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	r.put(&Participant{ClientID: "m", Role: RoleModerator, JoinedAt: now, conn: &nopConn{"1"}})
	r.put(&Participant{ClientID: "a", Role: RoleParticipant, JoinedAt: now.Add(time.Second), conn: &nopConn{"2"}})
	r.put(&Participant{ClientID: "b", Role: RoleParticipant, JoinedAt: now.Add(2 * time.Second), conn: &nopConn{"3"}})

	require.Equal(t, 3, r.size())
	require.Equal(t, 2, r.expected())
	require.Len(t, r.moderators, 1)

	// switching role on re-join moves the entry between views
	prev := r.put(&Participant{ClientID: "a", Role: RoleModerator, JoinedAt: now.Add(time.Hour), conn: &nopConn{"4"}})
	require.NotNil(t, prev)
	require.Equal(t, 1, r.expected())
	require.Len(t, r.moderators, 2)

	roster := r.roster()
	require.Equal(t, []string{"m", "a", "b"}, []string{roster[0].ClientID, roster[1].ClientID, roster[2].ClientID}, "re-join keeps the original position")
}

func TestRegistry_RemoveChecksConnection(t *testing.T) {
	r := newRegistry()
	oldConn, newConn := &nopConn{"old"}, &nopConn{"new"}
	r.put(&Participant{ClientID: "a", Role: RoleParticipant, conn: oldConn})
	r.put(&Participant{ClientID: "a", Role: RoleParticipant, conn: newConn})
	require.Equal(t, 1, r.expected())

	_, ok := r.remove("a", oldConn)
	require.False(t, ok)
	require.NotNil(t, r.get("a"))

	_, ok = r.remove("a", newConn)
	require.True(t, ok)
	require.Zero(t, r.size())
	require.Zero(t, r.expected())

	_, ok = r.remove("a", nil)
	require.False(t, ok, "removing twice is a no-op")
}
