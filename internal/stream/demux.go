package stream

import (
	"errors"
	"io"
	"net"
	"sync"
)

const readSize = 32 * 1024

// Streams are the two outputs of a demultiplexed channel.
type Streams struct {
	Primary   *Buffer
	Secondary *Buffer

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Demux reads frames from r in a background goroutine and writes their
// payloads to Primary or Secondary by channel. Frames on any other channel
// are dropped. When r ends both outputs are closed; a truncated trailing
// frame is discarded silently.
func Demux(r io.Reader) *Streams {
	return DemuxInto(r, NewBuffer(), NewBuffer())
}

// DemuxInto is Demux writing to buffers the caller already handed out.
func DemuxInto(r io.Reader, primary, secondary *Buffer) *Streams {
	s := &Streams{
		Primary:   primary,
		Secondary: secondary,
		done:      make(chan struct{}),
	}
	go s.run(r)
	return s
}

func (s *Streams) run(r io.Reader) {
	defer close(s.done)
	defer s.Secondary.Close()
	defer s.Primary.Close()

	var parser Parser
	chunk := make([]byte, readSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, frame := range parser.Feed(chunk[:n]) {
				switch frame.Channel {
				case Primary:
					_, _ = s.Primary.Write(frame.Payload)
				case Secondary:
					_, _ = s.Secondary.Write(frame.Payload)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// Done is closed once the underlying reader has ended and both outputs are
// closed.
func (s *Streams) Done() <-chan struct{} {
	return s.done
}

// Err returns the read error that ended the stream, if it was not a clean
// end of stream. It is only meaningful after Done is closed.
func (s *Streams) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// DemuxBytes splits an already complete multiplexed payload, such as a log
// response body.
func DemuxBytes(data []byte) (primary, secondary []byte) {
	var parser Parser
	for _, frame := range parser.Feed(data) {
		switch frame.Channel {
		case Primary:
			primary = append(primary, frame.Payload...)
		case Secondary:
			secondary = append(secondary, frame.Payload...)
		}
	}
	return primary, secondary
}
