package stream

import "encoding/binary"

const headerSize = 8

// Channel is the selector byte of a frame.
type Channel byte

const (
	Primary   Channel = 1
	Secondary Channel = 2
)

// Frame is one complete unit of the multiplexed protocol.
type Frame struct {
	Channel Channel
	Payload []byte
}

// Parser accumulates bytes across arbitrary deliveries and emits frames once
// their payload is fully buffered. The zero value is ready to use.
type Parser struct {
	carry []byte
	// pending is true once the current frame's header has been consumed.
	pending bool
	channel Channel
	need    int
}

// Feed appends p to the carry buffer and returns every frame that is now
// complete, in order. Payloads are copies and remain valid after later
// calls.
func (p *Parser) Feed(data []byte) []Frame {
	p.carry = append(p.carry, data...)

	var (
		frames []Frame
		offset int
	)
	for {
		if !p.pending {
			if len(p.carry)-offset < headerSize {
				break
			}
			header := p.carry[offset : offset+headerSize]
			p.channel = Channel(header[0])
			p.need = int(binary.BigEndian.Uint32(header[4:headerSize]))
			p.pending = true
			offset += headerSize
		}

		if len(p.carry)-offset < p.need {
			break
		}

		payload := make([]byte, p.need)
		copy(payload, p.carry[offset:offset+p.need])
		frames = append(frames, Frame{Channel: p.channel, Payload: payload})
		offset += p.need
		p.pending = false
		p.need = 0
	}

	p.carry = append(p.carry[:0], p.carry[offset:]...)
	return frames
}

// Buffered reports how many bytes of an incomplete frame are held,
// including a consumed header.
func (p *Parser) Buffered() int {
	if p.pending {
		return headerSize + len(p.carry)
	}
	return len(p.carry)
}

// EncodeFrame builds the wire form of a frame.
func EncodeFrame(channel Channel, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	frame[0] = byte(channel)
	binary.BigEndian.PutUint32(frame[4:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame
}
