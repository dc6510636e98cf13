package internal

import "fmt"

// binding is the playback state a session gains when it binds to a
// channel. Keeping the cursors inside the binding makes an unbound
// session with cursors unrepresentable.
type binding struct {
	channel string
	nextVTS uint64
	nextATS uint64
	currVQ  *Quality
	currAQ  *Quality
}

// Session is the per-connection state: a transport-assigned connection
// ID, the optional channel binding, and the client-reported playback
// buffer levels.
type Session struct {
	id             uint64
	bind           *binding
	videoBufferLen float64
	audioBufferLen float64
}

// NewSession creates a session in the unbound state.
func NewSession(id uint64) *Session {
	return &Session{id: id}
}

// ID returns the transport connection ID.
func (s *Session) ID() uint64 {
	return s.id
}

// Bound reports whether the session has a channel binding.
func (s *Session) Bound() bool {
	return s.bind != nil
}

// Bind (re)binds the session to a channel, resetting cursors and
// current qualities. The audio cursor has already been realigned to the
// video cursor by the caller.
func (s *Session) Bind(channel string, vts, ats uint64) {
	s.bind = &binding{channel: channel, nextVTS: vts, nextATS: ats}
}

// Channel returns the bound channel name. Only valid when Bound.
func (s *Session) Channel() string {
	return s.bind.channel
}

// NextVTS returns the next expected video timestamp. Only valid when
// Bound.
func (s *Session) NextVTS() uint64 {
	return s.bind.nextVTS
}

// NextATS returns the next expected audio timestamp. Only valid when
// Bound.
func (s *Session) NextATS() uint64 {
	return s.bind.nextATS
}

func (s *Session) SetNextVTS(ts uint64) { s.bind.nextVTS = ts }
func (s *Session) SetNextATS(ts uint64) { s.bind.nextATS = ts }

// CurrVQ returns the currently served video quality, or nil before the
// first video delivery of this binding.
func (s *Session) CurrVQ() *Quality {
	return s.bind.currVQ
}

// CurrAQ returns the currently served audio quality, or nil before the
// first audio delivery of this binding.
func (s *Session) CurrAQ() *Quality {
	return s.bind.currAQ
}

func (s *Session) SetCurrVQ(q Quality) { s.bind.currVQ = &q }
func (s *Session) SetCurrAQ(q Quality) { s.bind.currAQ = &q }

// SetVideoPlaybackBuf records the client-reported video buffer level in
// seconds.
func (s *Session) SetVideoPlaybackBuf(v float64) { s.videoBufferLen = v }

// SetAudioPlaybackBuf records the client-reported audio buffer level in
// seconds.
func (s *Session) SetAudioPlaybackBuf(v float64) { s.audioBufferLen = v }

func (s *Session) VideoBufferLen() float64 { return s.videoBufferLen }
func (s *Session) AudioBufferLen() float64 { return s.audioBufferLen }

// SessionTable maps connection IDs to sessions. Only touched from the
// engine goroutine.
type SessionTable struct {
	sessions map[uint64]*Session
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[uint64]*Session)}
}

// InsertUnique creates a session for a new connection ID. A repeated ID
// indicates a transport bug and is reported as ErrDuplicateID.
func (t *SessionTable) InsertUnique(id uint64) (*Session, error) {
	if _, ok := t.sessions[id]; ok {
		return nil, fmt.Errorf("connection %d: %w", id, ErrDuplicateID)
	}
	s := NewSession(id)
	t.sessions[id] = s
	return s, nil
}

// Get returns the session for a connection ID.
func (t *SessionTable) Get(id uint64) (*Session, error) {
	s, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", id, ErrUnknownSession)
	}
	return s, nil
}

// Erase removes a session. Returns whether it existed.
func (t *SessionTable) Erase(id uint64) bool {
	_, ok := t.sessions[id]
	delete(t.sessions, id)
	return ok
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	return len(t.sessions)
}

// Each calls fn for every session. Iteration order is arbitrary; fn
// must not insert or erase sessions.
func (t *SessionTable) Each(fn func(*Session)) {
	for _, s := range t.sessions {
		fn(s)
	}
}
