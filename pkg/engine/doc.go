// Package engine is webd's connection engine: a single-goroutine,
// readiness-driven HTTP/1.x server that serves virtual hosts from static
// files, CGI scripts and reverse-proxied upstreams.
//
// # Architecture
//
//	listeners ──accept──▶ Conn (slab) ──parse──▶ host ──route──▶ static | cgi | proxy
//	                         ▲                                         │
//	                         └──────── epoll readiness (internal/poll) ┘
//
// One goroutine runs Serve. Every descriptor the engine touches (listening
// sockets, client sockets, CGI stdin and stdout pipes, upstream sockets) is
// registered with one epoll set. A ready descriptor is mapped back to its
// connection and the step function of the connection's State runs. Step
// functions only do work that is ready and return instead of blocking.
//
// # Connection states
//
//	Accepted → Parsing → HostResolved → ServingStatic | ServingCGI | ServingProxy → Flushing → Closed
//	                       any non-terminal state → Error → Closed
//
// Each connection carries at most one resource, matching its state: an
// open file, a CGI process, or an upstream connection. Connections live in a
// slab addressed by generation-checked handles.
//
// # Responses
//
// One request is served per connection and every response carries
// "Connection: close". Errors detected before any response byte was queued
// produce a small HTML error page (see Kind for the status mapping); later
// errors close the connection.
//
// # Usage
//
//	snap, err := config.NewSnapshot(cfg)
//	srv := engine.NewServer(snap, engine.WithLogger(logger))
//	if err := srv.Serve(ctx); err != nil {
//	    return err
//	}
package engine
