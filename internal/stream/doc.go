// Package stream splits the engine's multiplexed attach/log protocol into
// its primary (stdout) and secondary (stderr) byte streams.
//
// Each frame is an 8 byte header, a channel selector byte, three reserved
// bytes and a big-endian uint32 payload length, followed by the payload.
// Parser is independent of any I/O: feed it whatever chunks arrive and it
// returns the frames that became complete. Demux runs a Parser over a reader
// and delivers into two unbounded Buffers.
package stream
