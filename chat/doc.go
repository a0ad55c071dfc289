// Package chat records a room's live chat into the session chat log.
//
// A Recorder runs next to the stream capture for the lifetime of a session:
//   - it negotiates an endpoint through a Transport (optionally signed with a
//     key from KeySource), dials it, sends the handshake frames and keeps the
//     link alive with heartbeats;
//   - every decoded chat message that is not emoji-only is appended to
//     danmu.jsonl as one JSON line {type,text,time,uid,uname};
//   - any failure closes the link, waits the reconnect delay and starts over.
//
// The wire protocol itself is handled by a relay; RelayTransport speaks the
// relay's JSON framing over a websocket dialed with WebsocketDialer.
package chat
