package provider

import (
	"strings"

	"github.com/nndrao/gridfeed/internal/schema"
)

// snapshotChunkSize caps the rows carried by a single partial batch.
const snapshotChunkSize = 5000

// snapshotCycle is the transient per-connection snapshot state. Created on
// successful connect, reset on every reconnect/refresh, discarded on
// disconnect. All methods run under the owning provider's mutex.
type snapshotCycle struct {
	id        uint64
	chunkSize int

	buffer  []schema.Row
	emitted int

	// complete flips when the end-of-snapshot frame is seen; finalEmitted
	// flips once the final batch has actually been handed downstream. Live
	// updates landing in that window are queued for in-order replay.
	complete     bool
	finalEmitted bool
	pendingLive  [][]schema.Row
}

func newSnapshotCycle(id uint64) *snapshotCycle {
	return &snapshotCycle{id: id, chunkSize: snapshotChunkSize}
}

// partialBatch couples a chunk of rows with the running total after it.
type partialBatch struct {
	rows  []schema.Row
	total int
}

// ingest appends snapshot rows and drains every full chunk as a partial batch.
func (c *snapshotCycle) ingest(rows []schema.Row) []partialBatch {
	c.buffer = append(c.buffer, rows...)
	var batches []partialBatch
	for len(c.buffer) >= c.chunkSize {
		chunk := c.buffer[:c.chunkSize:c.chunkSize]
		c.buffer = c.buffer[c.chunkSize:]
		c.emitted += len(chunk)
		batches = append(batches, partialBatch{rows: chunk, total: c.emitted})
	}
	return batches
}

// finish flushes the remaining buffer as the final batch and marks the cycle
// complete. Returns the final rows and the cumulative total.
func (c *snapshotCycle) finish() ([]schema.Row, int) {
	final := c.buffer
	c.buffer = nil
	c.emitted += len(final)
	c.complete = true
	return final, c.emitted
}

// bufferLive queues rows that arrived after completion but before the final
// batch was handed downstream.
func (c *snapshotCycle) bufferLive(rows []schema.Row) {
	c.pendingLive = append(c.pendingLive, rows)
}

// drainPending returns the queued live updates in arrival order.
func (c *snapshotCycle) drainPending() [][]schema.Row {
	pending := c.pendingLive
	c.pendingLive = nil
	return pending
}

// End-of-snapshot heuristics. The configured token is authoritative; the
// phrase patterns are a documented fallback for endpoints that only announce
// the switch to live mode in prose.
const (
	matchConfiguredToken = "configured-token"
	matchLiveUpdates     = "success-starting-live-updates"
	matchSnapshotDone    = "snapshot-complete"
	matchEndSnapshot     = "end-snapshot"
)

// matchSnapshotEnd reports whether the frame marks the end of the snapshot and
// which indicators matched. Multiple matches are returned so the caller can
// flag ambiguity instead of silently resolving it.
func matchSnapshotEnd(body, configuredToken string) (bool, []string) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false, nil
	}
	var matched []string
	if configuredToken != "" && strings.EqualFold(trimmed, configuredToken) {
		matched = append(matched, matchConfiguredToken)
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "success:") && strings.Contains(lower, "starting live updates") {
		matched = append(matched, matchLiveUpdates)
	}
	if strings.Contains(lower, "snapshot complete") {
		matched = append(matched, matchSnapshotDone)
	}
	if strings.Contains(lower, "end_snapshot") {
		matched = append(matched, matchEndSnapshot)
	}
	return len(matched) > 0, matched
}
