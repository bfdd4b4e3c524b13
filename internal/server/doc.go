// Package server assembles the sandbox daemon: configuration, logging,
// metrics, both execution backends, the lease pool, and the HTTP gateway.
//
// Startup order matters. Infrastructure (logger, metrics, tracer) comes
// first, then the domain graph (catalog, policy, backends, health tracker,
// cost ledger, pool, orchestrator), then the router. Run restores any
// lease snapshot side effects, launches the background loops (health
// probes, lifecycle sweeper, snapshot writer, event hub) and serves HTTP
// until the context is canceled, at which point it drains in-flight
// requests and persists a final snapshot.
//
// Example usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
