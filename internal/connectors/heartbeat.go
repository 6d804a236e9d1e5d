package connectors

import "context"

// Heartbeat lets a long run report liveness and learn it should stop.
// The docfetching task passes its lease-backed implementation; tests
// pass NopHeartbeat.
type Heartbeat interface {
	// Progress reports documents processed since the last call. Returns
	// false when the run has lost its fence and must abort.
	Progress(ctx context.Context, docs int) bool
}

type NopHeartbeat struct{}

func (NopHeartbeat) Progress(context.Context, int) bool { return true }

// StopAfter aborts after n progress reports; test helper for abort paths.
type StopAfter struct {
	N     int
	calls int
}

func (s *StopAfter) Progress(_ context.Context, _ int) bool {
	s.calls++
	return s.calls <= s.N
}
