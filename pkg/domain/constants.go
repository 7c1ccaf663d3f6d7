package domain

// Default subjects and names shared by clients, backends and tooling.
const (
	DefaultEventsPrefix  = "generation.events"
	DefaultTrailsPrefix  = "generation.trails"
	DefaultSubmitSubject = "generation.submit"
	DefaultReplaySubject = "generation.replay"
	DefaultTrailSubject  = "generation.trail"
	DefaultEchoSubject   = "example.echo"
	DefaultQueueGroup    = "generators"

	// DefaultStartNodeID is used when a trail result does not name its start.
	DefaultStartNodeID = "start"
)
