// Package ws terminates WebSocket connections for the bridge.
//
// The package implements:
//   - ExtensionNegotiator: allow-list of WebSocket extensions
//   - Handler: upgrades HTTP requests and runs one read loop and one
//     write pump per connection
//
// Frames are read individually with gobwas/ws so fragmentation is
// visible to the bridge, which reassembles messages per session.
// permessage-deflate parameters are negotiated by wsflate; compressed
// messages are inflated by the bridge after reassembly.
package ws
