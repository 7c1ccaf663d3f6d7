/*
Package tracker implements the per-request state machine driven by generation events.

	pending -> in_progress -> completed
	                       -> failed

Events may arrive duplicated or out of order. Non-terminal events update the entry by
arrival order unless OrderTimestamp is selected. Completed and failed entries are
immutable and are evicted once their retention window has elapsed; an evicted id is
reported exactly like one that never existed.
*/
package tracker
