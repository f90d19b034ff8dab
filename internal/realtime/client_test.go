package realtime_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/realtime"
)

func startServer(t *testing.T) (*harness, string) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	r := gin.New()
	r.GET("/ws", realtime.ServeWs(h.manager, zap.NewNop()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(realtime.WSMessage{Event: event, Data: data}))
}

// await reads until event arrives, skipping anything else.
func await(t *testing.T, conn *websocket.Conn, event string) realtime.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg realtime.WSMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", event)
		if msg.Event == event {
			return msg
		}
	}
}

func TestServeWs_QuestionRoundTrip(t *testing.T) {
	h, url := startServer(t)
	h.store.addPoll("P1", 0)

	mod := dial(t, url)
	emit(t, mod, realtime.EventJoin, realtime.JoinRequest{PollID: "P1", Role: "moderator", ClientID: "mod", DisplayName: "Teacher"})
	await(t, mod, realtime.EventJoined)
	await(t, mod, realtime.EventRosterUpdate)

	student := dial(t, url)
	emit(t, student, realtime.EventJoin, realtime.JoinRequest{PollID: "P1", Role: "participant", ClientID: "s1", DisplayName: "Ann"})
	joined := decode[realtime.JoinedPayload](t, await(t, student, realtime.EventJoined))
	require.Equal(t, realtime.RoleParticipant, joined.Role)
	roster := decode[realtime.RosterPayload](t, await(t, mod, realtime.EventRosterUpdate))
	require.Len(t, roster.Participants, 2)

	emit(t, student, realtime.EventOpenQuestion, realtime.OpenRequest{PollID: "P1", Text: "x", Options: []realtime.OptionInput{{Text: "a"}, {Text: "b"}}})
	nack := decode[realtime.Ack](t, await(t, student, realtime.EventOpenAck))
	require.False(t, nack.Success)
	require.Equal(t, "moderator role required", nack.Message)

	emit(t, mod, realtime.EventOpenQuestion, realtime.OpenRequest{
		PollID:  "P1",
		Text:    "Capital of France?",
		Options: []realtime.OptionInput{{OptionID: "paris", Text: "Paris", IsCorrect: true}, {OptionID: "rome", Text: "Rome"}},
	})
	modView := decode[realtime.ModeratorQuestionView](t, await(t, mod, realtime.EventQuestionOpenedModerator))
	require.True(t, modView.Options[0].IsCorrect)
	ack := decode[realtime.Ack](t, await(t, mod, realtime.EventOpenAck))
	require.True(t, ack.Success)
	require.Equal(t, modView.QuestionID, ack.QuestionID)

	opened := await(t, student, realtime.EventQuestionOpened)
	require.NotContains(t, string(opened.Data), "isCorrect")
	view := decode[realtime.QuestionView](t, opened)
	require.Equal(t, ack.QuestionID, view.QuestionID)

	emit(t, student, realtime.EventSubmitAnswer, realtime.SubmitRequest{PollID: "P1", QuestionID: view.QuestionID, ClientID: "s1", OptionID: "paris"})
	require.True(t, decode[realtime.Ack](t, await(t, student, realtime.EventSubmitAck)).Success)

	final := decode[realtime.ResultsUpdate](t, await(t, mod, realtime.EventFinalUpdate))
	require.Equal(t, 1, final.Total)
	require.Equal(t, 1, final.ExpectedRespondentCount)
	require.Equal(t, 100, final.Percentages["paris"])

	emit(t, student, realtime.EventSubmitAnswer, realtime.SubmitRequest{PollID: "P1", QuestionID: view.QuestionID, ClientID: "s1", OptionID: "rome"})
	late := decode[realtime.Ack](t, await(t, student, realtime.EventSubmitAck))
	require.False(t, late.Success)
	require.Contains(t, late.Message, "no active question")
}

func TestServeWs_KickClosesConnection(t *testing.T) {
	h, url := startServer(t)
	h.store.addPoll("P1", 0)

	mod := dial(t, url)
	emit(t, mod, realtime.EventJoin, realtime.JoinRequest{PollID: "P1", Role: "teacher", ClientID: "mod"})
	await(t, mod, realtime.EventJoined)

	student := dial(t, url)
	emit(t, student, realtime.EventJoin, realtime.JoinRequest{PollID: "P1", ClientID: "s1", DisplayName: "Ann"})
	await(t, student, realtime.EventJoined)

	emit(t, mod, realtime.EventKick, realtime.KickRequest{PollID: "P1", ClientID: "s1"})
	require.True(t, decode[realtime.Ack](t, await(t, mod, realtime.EventKickAck)).Success)

	kicked := decode[realtime.KickedPayload](t, await(t, student, realtime.EventKicked))
	require.NotEmpty(t, kicked.Reason)

	var msg realtime.WSMessage
	err := student.ReadJSON(&msg)
	require.Error(t, err, "connection should be closed after the kicked notice")
	require.Len(t, h.manager.Roster("P1"), 1, "only the moderator remains")
}

func TestServeWs_DisconnectLeavesRoom(t *testing.T) {
	h, url := startServer(t)
	h.store.addPoll("P1", 0)

	student := dial(t, url)
	emit(t, student, realtime.EventJoin, realtime.JoinRequest{PollID: "P1", ClientID: "s1"})
	await(t, student, realtime.EventJoined)
	require.Equal(t, 1, h.manager.ExpectedRespondentCount("P1"))

	require.NoError(t, student.Close())
	require.Eventually(t, func() bool {
		return h.manager.ExpectedRespondentCount("P1") == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestServeWs_InvalidJoin(t *testing.T) {
	_, url := startServer(t)

	conn := dial(t, url)
	emit(t, conn, realtime.EventJoin, realtime.JoinRequest{PollID: "missing", ClientID: "c1"})
	got := decode[realtime.ErrorPayload](t, await(t, conn, realtime.EventError))
	require.Equal(t, "poll not found", got.Message)
}
