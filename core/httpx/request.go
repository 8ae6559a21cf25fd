package httpx

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/fastgate/core/buffer"
)

// parseState enumerates the strictly monotonic states of the request
// line/header/body state machine. The parser only ever moves forward;
// Again suspends it in place until more bytes arrive.
type parseState int

const (
	stateUnparsed parseState = iota
	stateMethod
	stateMethodEnd
	stateURI
	stateURIEnd
	stateQuery
	stateQueryEnd
	stateProtocol
	stateProtocolEnd
	stateHeaders
	stateHeadersEnd
	stateBody
	stateParsed
)

// recognizedMethods is the fixed sixteen-verb set the parser accepts;
// anything else is a fatal 400.
var recognizedMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
	"COPY": true, "LOCK": true, "MKCOL": true, "MOVE": true,
	"PROPFIND": true, "PROPPATCH": true, "UNLOCK": true,
}

// Header is a case-insensitive ordered multi-map of request/response
// header fields.
type Header map[string][]string

func (h Header) Get(name string) string {
	vs := h[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func (h Header) Add(name, value string) {
	key := strings.ToLower(name)
	h[key] = append(h[key], value)
}

func (h Header) Set(name, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Request is the parser's scratch state for a single HTTP/1.x request,
// reused across keepalive requests on the same connection via Reset.
type Request struct {
	state parseState

	Method        string
	Protocol      string // "HTTP/1.0" or "HTTP/1.1"
	Host          string
	URI           string // path only, percent-decoded
	RewrittenURI  string
	RawQuery      string // verbatim, undecoded
	QueryArgs     url.Values
	Headers       Header
	ContentLength int
	Body          []byte

	ExpectContinue bool
	Malformed      bool

	Vars    map[string]string
	Context map[string]any // typed module-context side-table, keyed by component name

	StartTime time.Time

	requestLine  []byte // accumulated across AGAIN resumes
	bodyWritten  int
	continueSent bool
}

// NewRequest allocates a fresh parser.
func NewRequest() *Request {
	r := &Request{}
	r.Reset()
	return r
}

// Reset returns the request to its initial unparsed state for reuse on
// the next keepalive request on the same connection.
func (r *Request) Reset() {
	r.state = stateUnparsed
	r.Method = ""
	r.Protocol = ""
	r.Host = ""
	r.URI = ""
	r.RewrittenURI = ""
	r.RawQuery = ""
	r.QueryArgs = url.Values{}
	r.Headers = Header{}
	r.ContentLength = 0
	r.Body = nil
	r.ExpectContinue = false
	r.Malformed = false
	r.Vars = map[string]string{}
	r.Context = map[string]any{}
	r.StartTime = time.Time{}
	r.requestLine = nil
	r.bodyWritten = 0
	r.continueSent = false
}

// EffectiveURI returns the rewritten URI if rewrite handlers set one,
// otherwise the originally parsed URI.
func (r *Request) EffectiveURI() string {
	if r.RewrittenURI != "" {
		return r.RewrittenURI
	}
	return r.URI
}

// scanLine looks for a CRLF-terminated line in buf without consuming it
// if not found, honoring the parser's resumable-on-AGAIN contract.
func scanLine(buf *buffer.Buffer) (line []byte, ok bool) {
	peek := buf.Peek()
	idx := bytes.Index(peek, []byte("\r\n"))
	if idx < 0 {
		return nil, false
	}
	line = make([]byte, idx)
	copy(line, peek[:idx])
	buf.Discard(idx + 2)
	return line, true
}

// Parse drives the state machine as far as the buffered bytes allow.
// It returns OK once a full request (request line, headers, body) has
// been parsed, Again if more bytes are needed, Declined if the peer
// closed before any bytes of a new request arrived, or a fatal error
// for unsupported methods / I/O failures / truncated bodies.
func (r *Request) Parse(buf *buffer.Buffer, flushContinue func([]byte) error) (Status, error) {
	if r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}

	for {
		switch r.state {
		case stateUnparsed:
			if buf.Len() == 0 {
				return Declined, nil
			}
			r.state = stateMethod

		case stateMethod:
			line, ok := scanLine(buf)
			if !ok {
				if buf.Len() == 0 {
					return Declined, nil
				}
				return Again, nil
			}
			if err := r.parseRequestLine(line); err != nil {
				return OK, err
			}
			r.state = stateHeaders

		case stateMethodEnd, stateURI, stateURIEnd, stateQuery, stateQueryEnd,
			stateProtocol, stateProtocolEnd:
			// Collapsed into parseRequestLine: the request line arrives as
			// one CRLF-terminated unit in practice, so these intermediate
			// states are reached only conceptually; jump straight through.
			r.state = stateHeaders

		case stateHeaders:
			line, ok := scanLine(buf)
			if !ok {
				return Again, nil
			}
			if len(line) == 0 {
				r.state = stateHeadersEnd
				continue
			}
			if err := r.parseHeaderLine(line); err != nil {
				r.Malformed = true
				return OK, nil
			}

		case stateHeadersEnd:
			if host := r.Headers.Get("Host"); host != "" {
				r.Host = host
			}
			if cl := r.Headers.Get("Content-Length"); cl != "" {
				n, err := strconv.Atoi(cl)
				if err != nil || n < 0 {
					r.Malformed = true
					return OK, nil
				}
				r.ContentLength = n
			}
			if strings.EqualFold(r.Headers.Get("Expect"), "100-continue") {
				r.ExpectContinue = true
			}
			if r.ExpectContinue && !r.continueSent {
				if flushContinue != nil {
					if err := flushContinue([]byte("HTTP/1.1 100 Continue\r\ncontent-length: 0\r\n\r\n")); err != nil {
						return OK, err
					}
				}
				r.continueSent = true
				r.ExpectContinue = false
				r.state = stateBody
				return Again, nil
			}
			r.state = stateBody

		case stateBody:
			if r.ContentLength == 0 {
				r.state = stateParsed
				continue
			}
			if r.Body == nil {
				r.Body = make([]byte, 0, r.ContentLength)
			}
			need := r.ContentLength - r.bodyWritten
			if need <= 0 {
				r.state = stateParsed
				continue
			}
			chunk := buf.Chunk(need)
			if len(chunk) == 0 {
				return Again, nil
			}
			r.Body = append(r.Body, chunk...)
			r.bodyWritten += len(chunk)
			if r.bodyWritten < r.ContentLength {
				return Again, nil
			}
			r.state = stateParsed

		case stateParsed:
			return OK, nil
		}
	}
}

func (r *Request) parseRequestLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed request line")
	}
	method := string(parts[0])
	if !recognizedMethods[method] {
		return fmt.Errorf("unsupported method %q", method)
	}
	r.Method = method

	target := string(parts[1])
	if q := strings.IndexByte(target, '?'); q >= 0 {
		rawPath := target[:q]
		r.RawQuery = target[q+1:]
		decodedPath, err := url.PathUnescape(rawPath)
		if err != nil {
			r.Malformed = true
		} else {
			r.URI = decodedPath
		}
		args, err := url.ParseQuery(r.RawQuery)
		if err != nil {
			r.Malformed = true
		} else {
			r.QueryArgs = args
		}
	} else {
		decodedPath, err := url.PathUnescape(target)
		if err != nil {
			r.Malformed = true
		} else {
			r.URI = decodedPath
		}
	}

	proto := string(parts[2])
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		r.Malformed = true
		r.Protocol = "HTTP/1.1"
		return nil
	}
	r.Protocol = proto
	return nil
}

func (r *Request) parseHeaderLine(line []byte) error {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return fmt.Errorf("header line without key")
	}
	name := strings.TrimSpace(string(line[:idx]))
	value := strings.TrimSpace(string(line[idx+1:]))
	if name == "" {
		return fmt.Errorf("empty header name")
	}
	r.Headers.Add(name, value)
	return nil
}

// RequestURI reconstructs the verbatim request-target: decoded path
// re-encoded per RFC 3986 plus the raw, unmodified query string.
func (r *Request) RequestURI() string {
	u := &url.URL{Path: r.EffectiveURI()}
	encoded := u.EscapedPath()
	if r.RawQuery == "" {
		return encoded
	}
	return encoded + "?" + r.RawQuery
}
