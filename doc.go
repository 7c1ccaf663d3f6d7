/*
Package trailhead is the client side of an asynchronous story generation pipeline.

A Client submits generation requests to a backend queue group over a request/reply
message bus, follows the progress events the backend publishes for each request and
turns the finished step sequence into a branching trail graph that can be stored,
listed and rendered.

# Concept

Backends and clients only share subjects and an envelope format. Requests go out on
"generation.submit" as envelopes carrying the generation parameters; progress is
published on "generation.events.{tenant}.{request}" and the final step sequence on
"generation.trails.{tenant}.{request}". Any ports.Conn can carry this traffic: the
in-process memory broker for tests and local runs, or Redis for real deployments.

# Key Features

  - Request/Reply Multiplexing: one inbox subscription per connection serves every in-flight request.
  - Request Tracking: progress events are folded into per-request state with retention and sweeping.
  - Trail Reconstruction: choices become edges, convergence points and issues are reported, results are cached.
  - Pluggable Storage: trails are kept in memory, in Redis or as Markdown documents through Loam.

# Usage

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/aretw0/trailhead"
		"github.com/aretw0/trailhead/pkg/adapters/redis"
	)

	func main() {
		bus := redis.NewBus("localhost:6379", "", 0)
		defer bus.Close()

		c, err := trailhead.New(bus)
		if err != nil {
			log.Fatal(err)
		}
		defer c.Close()

		id, err := c.Submit(context.Background(), map[string]any{
			"tenant_id": "acme",
			"title":     "The Lost Forest",
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("submitted", id)
	}

Use "trailhead worker" to run the reference backend and "trailhead serve" for the HTTP API.
*/
package trailhead
