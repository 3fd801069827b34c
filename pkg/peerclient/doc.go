// Package peerclient maintains outbound connections to peer nodes and the
// incoming message stream they produce. A ClientConnection is a
// persistent, reconnecting TLS client; a ClientConnectionPool keys those
// connections by node_id and fans their incoming traffic out to
// registered handlers by message type. The pool sends no reply of its own:
// a handler that answers does so with its own Send to the originating node.
package peerclient
