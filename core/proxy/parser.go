// Package proxy implements the upstream proxy content handler: a
// sub-state machine driven one reactor turn at a time (connect, send
// request, parse response), chunked and close-delimited response
// framing, primary-to-backup failover, and the upstream_* response
// variables.
package proxy

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/httpx"
)

type respState int

const (
	respStatusLine respState = iota
	respHeaders
	respBody
	respParsed
)

// responseParser incrementally parses an upstream HTTP/1.x response,
// analogous to httpx.Request's parser but additionally honoring
// Transfer-Encoding: chunked and HTTP/1.0 close-delimited framing.
type responseParser struct {
	state respState

	Protocol string
	Status   int

	Headers       httpx.Header
	ContentLength int
	HaveLength    bool
	Chunked       bool
	CloseDelim    bool
	KeepAlive     bool

	Body []byte

	chunkRemaining int
	inChunkTrailer bool
	bodyWritten    int
}

func newResponseParser() *responseParser {
	return &responseParser{Headers: httpx.Header{}}
}

// beforeBody reports whether no response header has yet been fully
// received, which is the window in which a transport error is eligible
// for failover rather than surfaced as a 502.
func (p *responseParser) beforeBody() bool {
	return p.state < respBody
}

// Parse drains as much of buf as forms a complete response given what
// is currently known about framing. closed reports whether the peer's
// read side has reached EOF, which terminates a close-delimited body.
func (p *responseParser) Parse(buf *buffer.Buffer, closed bool) (httpx.Status, error) {
	for {
		switch p.state {
		case respStatusLine:
			line, ok := scanCRLF(buf)
			if !ok {
				return httpx.Again, nil
			}
			if err := p.parseStatusLine(line); err != nil {
				return httpx.OK, err
			}
			p.state = respHeaders

		case respHeaders:
			line, ok := scanCRLF(buf)
			if !ok {
				return httpx.Again, nil
			}
			if len(line) == 0 {
				p.finishHeaders()
				p.state = respBody
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				return httpx.OK, err
			}

		case respBody:
			status, err := p.consumeBody(buf, closed)
			if err != nil {
				return httpx.OK, err
			}
			if status != httpx.OK {
				return status, nil
			}
			p.state = respParsed

		case respParsed:
			return httpx.OK, nil
		}
	}
}

func (p *responseParser) parseStatusLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return fmt.Errorf("proxy: malformed upstream status line %q", line)
	}
	p.Protocol = string(parts[0])
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return fmt.Errorf("proxy: malformed upstream status code %q", parts[1])
	}
	p.Status = code
	return nil
}

func (p *responseParser) parseHeaderLine(line []byte) error {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return fmt.Errorf("proxy: malformed upstream header %q", line)
	}
	name := strings.TrimSpace(string(line[:idx]))
	value := strings.TrimSpace(string(line[idx+1:]))
	p.Headers.Add(name, value)
	return nil
}

func (p *responseParser) finishHeaders() {
	if strings.EqualFold(p.Headers.Get("Transfer-Encoding"), "chunked") {
		p.Chunked = true
	} else if cl := p.Headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 {
			p.ContentLength = n
			p.HaveLength = true
		}
	}

	connClose := strings.EqualFold(p.Headers.Get("Connection"), "close")
	if !p.Chunked && !p.HaveLength {
		p.CloseDelim = true
	}
	p.KeepAlive = !connClose && p.Protocol == "HTTP/1.1" && !p.CloseDelim
}

func (p *responseParser) consumeBody(buf *buffer.Buffer, closed bool) (httpx.Status, error) {
	switch {
	case p.Chunked:
		return p.consumeChunked(buf)
	case p.HaveLength:
		need := p.ContentLength - p.bodyWritten
		if need <= 0 {
			return httpx.OK, nil
		}
		chunk := buf.Chunk(need)
		if len(chunk) == 0 {
			if closed {
				return httpx.OK, fmt.Errorf("proxy: upstream closed before content-length body completed")
			}
			return httpx.Again, nil
		}
		p.Body = append(p.Body, chunk...)
		p.bodyWritten += len(chunk)
		if p.bodyWritten < p.ContentLength {
			return httpx.Again, nil
		}
		return httpx.OK, nil
	default:
		// Close-delimited: keep draining until the peer closes.
		if tail := buf.Tail(); len(tail) > 0 {
			p.Body = append(p.Body, tail...)
		}
		if closed {
			return httpx.OK, nil
		}
		return httpx.Again, nil
	}
}

// consumeChunked rebuffers a chunked body into p.Body as a known-length
// byte slice, so the client-facing response can be emitted with a plain
// Content-Length instead of re-chunking.
func (p *responseParser) consumeChunked(buf *buffer.Buffer) (httpx.Status, error) {
	for {
		if p.inChunkTrailer {
			line, ok := scanCRLF(buf)
			if !ok {
				return httpx.Again, nil
			}
			if len(line) == 0 {
				return httpx.OK, nil
			}
			continue
		}

		if p.chunkRemaining < 0 {
			// A chunk's data is in; its trailing CRLF may arrive on a
			// later turn.
			if buf.Len() < 2 {
				return httpx.Again, nil
			}
			buf.Discard(2)
			p.chunkRemaining = 0
			continue
		}

		if p.chunkRemaining == 0 {
			line, ok := scanCRLF(buf)
			if !ok {
				return httpx.Again, nil
			}
			sizeStr := string(line)
			if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
				sizeStr = sizeStr[:idx]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil {
				return httpx.OK, fmt.Errorf("proxy: malformed chunk size %q", line)
			}
			if size == 0 {
				p.inChunkTrailer = true
				continue
			}
			p.chunkRemaining = int(size)
			continue
		}

		chunk := buf.Chunk(p.chunkRemaining)
		if len(chunk) == 0 {
			return httpx.Again, nil
		}
		p.Body = append(p.Body, chunk...)
		p.chunkRemaining -= len(chunk)
		if p.chunkRemaining == 0 {
			// Consume the trailing CRLF after the chunk's data next.
			p.chunkRemaining = -1
		}
	}
}

// scanCRLF mirrors httpx's scanLine but stays private to this package
// to avoid exporting an internal helper across package boundaries.
func scanCRLF(buf *buffer.Buffer) ([]byte, bool) {
	peek := buf.Peek()
	idx := bytes.Index(peek, []byte("\r\n"))
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, peek[:idx])
	buf.Discard(idx + 2)
	return line, true
}
