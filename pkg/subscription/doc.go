/*
Package subscription registers interest in generation event subjects per tenant or per
request and routes what arrives: progress events go to the request tracker, finished
trail results go to a result handler, and both are fanned out to local Streams
listeners (for example SSE clients).

Every registration is an individually cancellable transport subscription; unsubscribing
a tenant leaves other tenants and per-request registrations untouched.
*/
package subscription
