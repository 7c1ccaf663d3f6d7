/*
Package envelope implements the request/response wrapper used for all RPC traffic.

Wire shape:

	{ "meta": { "timestamp": "2026-01-02T15:04:05.000Z", "request_id": "..." },
	  "payload": { ... } }

The request id is always supplied by the caller; the codec never mints identities.
Decoding is all-or-nothing: a malformed or truncated envelope yields a *DecodeError
naming the offending field and no partial value.
*/
package envelope
