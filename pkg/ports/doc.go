/*
Package ports defines the driven ports (interfaces) of trailhead.

These interfaces decouple the multiplexer, tracker and client from concrete brokers
and storage backends.

# Key Interfaces

  - Conn: one physical publish/subscribe connection with queue-group delivery.
  - Subscription: a cancellable registration on a Conn.
  - TrailStore: persistence for reconstructed trail artifacts.
  - DistributedLocker: cross-replica mutual exclusion used when saving trails.
*/
package ports
