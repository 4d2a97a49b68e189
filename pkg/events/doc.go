// Package events provides a process-local publish/subscribe broker for
// engine occurrences: state transitions, session events, publication
// progress. Subscribers are buffered channels; a slow subscriber drops
// events instead of stalling the engine.
package events
