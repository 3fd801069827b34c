/*
Package log provides structured logging via zerolog: a global Logger
configured once at startup by Init, plus WithComponent/WithNodeID helpers
for attaching context fields to a child logger.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("cmd.serve")
	logger.Info().Str("node_id", cfg.Node.ID).Msg("paravon node is running")

WithNodeID attaches a node_id field for loggers that live inside a single
node's lifetime (most of them); WithComponent is the one used throughout
this module to identify which package emitted a line.
*/
package log
