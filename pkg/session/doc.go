// Package session tracks the analytics session of one tracker.
//
// Invariants:
// - A session ends after Timeout of inactivity or when the local calendar
//   day changes, whichever comes first.
// - Every successful hit counts as activity and extends the session.
// - A hit with sessionControl=start begins a new session; sessionControl=end
//   marks the current one expired.
// - The session record is shared by every tab through the store, so all
//   tabs agree on the id.
//
// Usage:
//
//	s := session.GetOrCreate(t, hub, session.Options{Timeout: 30 * time.Minute, TimeZone: "America/New_York"})
//	defer s.Destroy()
//	id := s.ID()
package session
