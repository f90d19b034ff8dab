package realtime

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
)

const kickReason = "removed by moderator"

// errRoomRetired is returned by a room that the Manager already dropped; the caller must look the
// room up again.
var errRoomRetired = stderrors.New("room retired")

type finalizeState int

const (
	finalizeAbsent finalizeState = iota
	finalizeAlreadyEnded
	finalizeOwned
)

// Room is the coordinator of one poll. Its lock guards the registry and the active tracker; no I/O
// other than non-blocking sends happens while it is held.
type Room struct {
	pollID  string
	hub     *Hub
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	reg     *registry
	tracker *tracker
	opening bool
	retired bool
}

func newRoom(pollID string, hub *Hub, metrics *Metrics, now func() time.Time) *Room {
	return &Room{
		pollID:  pollID,
		hub:     hub,
		metrics: metrics,
		now:     now,
		reg:     newRegistry(),
	}
}

// join registers p, sends it the current state and broadcasts the roster. maxParticipants of 0 means
// unlimited; re-joins of an existing participant are never rejected.
func (r *Room) join(p *Participant, maxParticipants int) (finalizeQuestion string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return "", errRoomRetired
	}
	if p.Role == RoleParticipant && maxParticipants > 0 {
		existing := r.reg.get(p.ClientID)
		rejoin := existing != nil && existing.Role == RoleParticipant
		if !rejoin && r.reg.expected() >= maxParticipants {
			return "", errors.FailedPrecondition("poll is full")
		}
	}

	r.reg.put(p)
	r.hub.SendTo(p.conn, EventJoined, r.joinedPayloadLocked(p))
	r.broadcastRosterLocked()
	return r.completionCheckLocked(), nil
}

func (r *Room) joinedPayloadLocked(p *Participant) JoinedPayload {
	out := JoinedPayload{PollID: r.pollID, ClientID: p.ClientID, Role: p.Role}
	t := r.tracker
	if t == nil || t.ended {
		return out
	}
	if p.Role == RoleModerator {
		out.CurrentQuestion = moderatorView(t.question)
	} else {
		out.CurrentQuestion = participantView(t.question)
	}
	res := newResultsUpdate(t.snapshot(), r.reg.expected())
	out.Results = &res
	out.RemainingTime = t.remaining(r.now())
	return out
}

// leave removes clientID if it is still bound to conn.
func (r *Room) leave(clientID string, conn Conn) (removed bool, finalizeQuestion string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reg.remove(clientID, conn); !ok {
		return false, ""
	}
	r.broadcastRosterLocked()
	return true, r.completionCheckLocked()
}

// kick removes clientID regardless of which connection holds it, notifies the transport and closes it.
func (r *Room) kick(clientID string) (removed bool, finalizeQuestion string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.reg.remove(clientID, nil)
	if !ok {
		return false, ""
	}
	if p.conn != nil {
		r.hub.SendTo(p.conn, EventKicked, KickedPayload{Reason: kickReason})
		p.conn.Close()
	}
	r.broadcastRosterLocked()
	return true, r.completionCheckLocked()
}

// completionCheckLocked returns the active question id when membership changes mean every expected
// participant has now answered.
func (r *Room) completionCheckLocked() string {
	t := r.tracker
	if t == nil || t.ended {
		return ""
	}
	expected := r.reg.expected()
	if expected > 0 && t.total >= expected {
		return t.questionID()
	}
	return ""
}

func (r *Room) broadcastRosterLocked() {
	r.hub.broadcast(r.reg, EventRosterUpdate, RosterPayload{Participants: r.reg.roster()})
}

// reserveOpen claims the right to open the next question. It fails while a question is active or
// being finalized, or while another open is in flight.
func (r *Room) reserveOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return errRoomRetired
	}
	if r.tracker != nil || r.opening {
		return errors.FailedPrecondition("previous question not completed yet")
	}
	r.opening = true
	return nil
}

func (r *Room) cancelOpen() {
	r.mu.Lock()
	r.opening = false
	r.mu.Unlock()
}

// open installs the tracker for q, arms its deadline and broadcasts both projections.
func (r *Room) open(q *models.Question, schedule Scheduler, onDeadline func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opening = false
	t := newTracker(q, r.now())
	t.timer = schedule(time.Duration(q.TimeLimit)*time.Second, onDeadline)
	r.tracker = t
	r.metrics.ActiveQuestions.Inc()

	r.hub.broadcast(r.reg, EventQuestionOpened, participantView(q))
	r.hub.broadcastModerators(r.reg, EventQuestionOpenedModerator, moderatorView(q))
}

// submit records an answer. On success the submitter is acked before the live update goes out.
func (r *Room) submit(conn Conn, req SubmitRequest) (finalize bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tracker
	if t == nil || t.questionID() != req.QuestionID {
		return false, errors.FailedPrecondition("no active question or question expired")
	}
	if err := t.record(req.ClientID, req.OptionID); err != nil {
		return false, err
	}

	r.hub.SendTo(conn, EventSubmitAck, Ack{Success: true, QuestionID: req.QuestionID})
	expected := r.reg.expected()
	r.hub.broadcast(r.reg, EventLiveUpdate, newResultsUpdate(t.snapshot(), expected))
	return expected > 0 && t.total >= expected, nil
}

// beginFinalize is the exactly-once gate of finalization. Only the caller that receives finalizeOwned
// may persist and broadcast the final result.
func (r *Room) beginFinalize(questionID string) (finalizeState, Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tracker
	if t == nil || t.questionID() != questionID {
		return finalizeAbsent, Snapshot{}
	}
	if !t.markEnded() {
		return finalizeAlreadyEnded, Snapshot{}
	}
	r.metrics.ActiveQuestions.Dec()
	return finalizeOwned, t.snapshot()
}

// completeFinalize broadcasts the final result and discards the tracker.
func (r *Room) completeFinalize(questionID string, snap Snapshot) ResultsUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	update := newResultsUpdate(snap, r.reg.expected())
	r.hub.broadcast(r.reg, EventFinalUpdate, update)
	if r.tracker != nil && r.tracker.questionID() == questionID {
		r.tracker = nil
	}
	return update
}

func (r *Room) notifyModerators(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hub.broadcastModerators(r.reg, event, payload)
}

func (r *Room) broadcastAll(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hub.broadcast(r.reg, event, payload)
}

// activeQuestionID returns the id of the question still accepting answers, or "".
func (r *Room) activeQuestionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracker == nil || r.tracker.ended {
		return ""
	}
	return r.tracker.questionID()
}

func (r *Room) roster() []ParticipantView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.roster()
}

func (r *Room) expected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.expected()
}

func (r *Room) isModerator(clientID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.reg.get(clientID)
	return p != nil && p.Role == RoleModerator && p.conn == conn
}

// retireIfIdle marks the room retired when nobody is in it and nothing is in flight. The caller holds
// the Manager lock.
func (r *Room) retireIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg.size() > 0 || r.tracker != nil || r.opening {
		return false
	}
	r.retired = true
	return true
}

func (r *Room) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracker != nil {
		r.tracker.stopTimer()
	}
}
