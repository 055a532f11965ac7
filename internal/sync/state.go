package sync

import "encoding/json"

// State is the durable position of one sync loop. It is owned exclusively by
// its loop while the loop runs and crosses a trust boundary only through a
// StateStore.
type State struct {
	// BootstrapPending is true until the one-time initial indexing pass
	// over the remote snapshot has completed.
	BootstrapPending bool

	// Cursor is the last fully processed change-log position, or nil when
	// no position has been established yet.
	Cursor *Cursor
}

// NewState returns a fresh state: bootstrap pending, no cursor.
func NewState() *State {
	return &State{BootstrapPending: true}
}

// AdvanceCursor moves the cursor to candidate and reports true only when
// candidate is strictly greater than the current cursor (or the cursor is
// absent). Anything else is a no-op. This guard is what protects the state
// against out-of-order and duplicate pages.
func (s *State) AdvanceCursor(candidate Cursor) bool {
	if s.Cursor != nil && candidate <= *s.Cursor {
		return false
	}
	c := candidate
	s.Cursor = &c
	return true
}

// CursorValue returns the current cursor and whether one is set.
func (s *State) CursorValue() (Cursor, bool) {
	if s.Cursor == nil {
		return 0, false
	}
	return *s.Cursor, true
}

type stateJSON struct {
	BootstrapPending bool    `json:"bootstrap_pending"`
	Cursor           *Cursor `json:"cursor"`
}

// MarshalJSON implements json.Marshaler using the stable on-disk layout.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{BootstrapPending: s.BootstrapPending, Cursor: s.Cursor})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.BootstrapPending = raw.BootstrapPending
	s.Cursor = raw.Cursor
	return nil
}
