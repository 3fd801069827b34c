// Package transport implements the framed TCP/mTLS wire protocol every
// peer and client connection speaks: a MessageServer accepts connections
// and hands each one to a Protocol, which frames/deframes Messages over
// the wire and feeds them to a per-connection Streamer running the
// configured Application.
//
// Wire format: a 4-byte big-endian length prefix followed by a
// canonical-serializer-encoded Message.
package transport
