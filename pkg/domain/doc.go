/*
Package domain contains the core models shared by every trailhead component.

It is kept free of I/O and transport concerns. Adapters, the transport multiplexer,
the request tracker and the trail reconstructor all speak in these types.

# Key Entities

  - GenerationEvent: an immutable progress fact published by a generation backend.
  - TrackedRequest: the tracker's view of one in-flight or finished job.
  - Step: one unit of a generation trace (text plus ordered choices).
  - Trail: the directed graph reconstructed from an ordered list of steps.
  - TrailArtifact / TrailListItem: the persisted record and its summary projection.
*/
package domain
