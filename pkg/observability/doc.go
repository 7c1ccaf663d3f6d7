/*
Package observability provides Prometheus collectors for the trailhead pipeline.

A Metrics value groups the counters and histograms recorded by the transport
multiplexer, the request tracker and the trail reconstructor. Components accept a
nil *Metrics and skip recording, so metrics stay opt-in.
*/
package observability
