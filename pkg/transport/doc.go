/*
Package transport multiplexes correlated envelope RPC and raw publish/subscribe over a
single ports.Conn.

A Mux borrows the connection it is built on: closing the Mux tears down its own
subscriptions and fails its pending requests, but leaves the connection open for other
users. Several Muxes may share one connection.

Requests are published with a private reply subject (an inbox). Replies are matched to the
waiting caller by that subject and checked against the request id of the envelope, so a
late reply for an abandoned request is discarded instead of reaching another caller.
*/
package transport
