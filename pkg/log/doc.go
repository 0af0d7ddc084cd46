/*
Package log provides structured logging for the registry server using zerolog.

The package wraps zerolog to give every actor (C1-C4) and the transport
layer a JSON-structured logger with component, service-key, client-id
and peer-id context, a configurable level, and a JSON-or-console output
mode for local development versus production.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	storeLog := log.WithComponent("naming-store")
	storeLog.Info().Msg("instance registered")

	peerLog := log.WithPeerID("node-2")
	peerLog.Warn().Err(err).Msg("sync-sender retry exhausted")

# Log levels

Debug is for per-mailbox-message tracing, Info for lifecycle events
(register, subscribe, peer join), Warn for recoverable failures (peer
unreachable, retry), Error for failures that propagate to the caller.
*/
package log
