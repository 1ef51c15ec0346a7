package httpproto

import (
	"errors"
)

// ErrInvalidChunk is returned for a malformed chunked body.
var ErrInvalidChunk = errors.New("httpproto: invalid chunked body")

// maxChunkSize keeps the size accumulator from overflowing.
const maxChunkSize = 1 << 56

type chunkState int

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailer
	chunkTrailerLine
	chunkTrailerLF
	chunkDone
)

// chunkParser follows a chunked body as it streams by, to find where it ends.
// The bytes themselves are relayed unchanged.
type chunkParser struct {
	state  chunkState
	size   int64
	digits int
}

func (p *chunkParser) reset() {
	*p = chunkParser{}
}

// parse consumes data and returns how many bytes belong to the body and
// whether the terminal chunk and trailer were seen.
func (p *chunkParser) parse(data []byte) (int, bool, error) {
	for i := 0; i < len(data); i++ {
		ch := data[i]

		switch p.state {
		case chunkSize:
			if v, ok := unhex(ch); ok {
				if p.size > maxChunkSize {
					return i, false, ErrInvalidChunk
				}
				p.size = p.size<<4 | int64(v)
				p.digits++
				continue
			}
			if p.digits == 0 {
				return i, false, ErrInvalidChunk
			}
			switch ch {
			case ';', ' ', '\t':
				p.state = chunkExt
			case '\r':
				p.state = chunkSizeLF
			case '\n':
				p.endSize()
			default:
				return i, false, ErrInvalidChunk
			}

		case chunkExt:
			switch ch {
			case '\r':
				p.state = chunkSizeLF
			case '\n':
				p.endSize()
			}

		case chunkSizeLF:
			if ch != '\n' {
				return i, false, ErrInvalidChunk
			}
			p.endSize()

		case chunkData:
			n := min(int64(len(data)-i), p.size)
			p.size -= n
			i += int(n) - 1
			if p.size == 0 {
				p.state = chunkDataCR
			}

		case chunkDataCR:
			switch ch {
			case '\r':
				p.state = chunkDataLF
			case '\n':
				p.state = chunkSize
			default:
				return i, false, ErrInvalidChunk
			}

		case chunkDataLF:
			if ch != '\n' {
				return i, false, ErrInvalidChunk
			}
			p.state = chunkSize

		case chunkTrailer:
			switch ch {
			case '\r':
				p.state = chunkTrailerLF
			case '\n':
				p.state = chunkDone
				return i + 1, true, nil
			default:
				p.state = chunkTrailerLine
			}

		case chunkTrailerLine:
			if ch == '\n' {
				p.state = chunkTrailer
			}

		case chunkTrailerLF:
			if ch != '\n' {
				return i, false, ErrInvalidChunk
			}
			p.state = chunkDone
			return i + 1, true, nil

		case chunkDone:
			return i, true, nil
		}
	}

	return len(data), p.state == chunkDone, nil
}

func (p *chunkParser) endSize() {
	if p.size == 0 {
		p.state = chunkTrailer
	} else {
		p.state = chunkData
	}
	p.digits = 0
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
