package httpx

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/pools"
)

// HeaderFilter runs over the response headers before they are
// serialized; body filters run over each outgoing body chunk. Both are
// assembled onto the response by the pipeline in server-then-route
// order.
type HeaderFilter func(*Response) error
type BodyFilter func(*Response, []byte) ([]byte, error)

// ProxyHandle is the opaque peer handle the reactor re-registers for
// I/O when a flush handler returns READ_MORE/WRITE_MORE. Concrete peer
// plumbing lives in core/proxy; httpx only needs to pass the pointer
// through untouched.
type ProxyHandle struct {
	FD       int
	Readable bool
	Writable bool
	Owner    any
}

// Response is the HTTP/1.x response writer: status/header assembly,
// chunked or content-length or close-delimited framing, and file
// streaming. It is a staged writer: headers flush once, then the body
// streams through the filter chain in as many turns as it takes.
type Response struct {
	Request *Request

	Status      int
	ContentType string
	Headers     Header

	bodyBuf           []byte
	contentLength     int64
	haveContentLength bool
	chunked           bool
	closed            bool

	headersSent bool
	bodySent    bool
	forceClose  bool
	outPos      int

	HeaderFilters []HeaderFilter
	BodyFilters   []BodyFilter

	// FlushHandlers run before the client buffer drains; the proxy
	// content handler registers one here to pull bytes from the
	// upstream leg. Returning a non-nil ProxyHandle tells the reactor
	// which peer fd to poll before the next turn.
	FlushHandlers []func(*Response) (Status, *ProxyHandle, error)

	out *buffer.Buffer

	file       *os.File
	fileOwned  bool
	fileSize   int64
	sendOffset int64

	StartedAt time.Time
}

func NewResponse(req *Request, out *buffer.Buffer) *Response {
	return &Response{
		Request:   req,
		Headers:   Header{},
		out:       out,
		StartedAt: time.Now(),
	}
}

// Closed reports whether the connection must not be kept alive after
// this response drains.
func (resp *Response) Closed() bool { return resp.closed }

// ForceClose marks the connection as not reusable regardless of what
// the request's Connection header asked for (malformed requests, error
// responses the server cannot recover framing from).
func (resp *Response) ForceClose() { resp.forceClose = true }

// Send stages a complete, known-length body.
func (resp *Response) Send(status int, contentType string, body []byte) {
	resp.Status = status
	resp.ContentType = contentType
	resp.bodyBuf = body
	resp.contentLength = int64(len(body))
	resp.haveContentLength = true
}

// SendNoContent stages a 204 with no body.
func (resp *Response) SendNoContent() {
	resp.Status = 204
	resp.contentLength = 0
	resp.haveContentLength = true
}

// SendNotModified stages a 304 with no body.
func (resp *Response) SendNotModified() {
	resp.Status = 304
	resp.contentLength = 0
	resp.haveContentLength = true
}

// SendFile stages a streamed file response; the body is drained in
// 16KiB chunks by Flush.
const sendFileChunk = 16 * 1024

func (resp *Response) SendFile(path string, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	resp.Status = 200
	resp.ContentType = contentType
	resp.file = f
	resp.fileOwned = true
	resp.fileSize = info.Size()
	resp.contentLength = resp.fileSize
	resp.haveContentLength = true
	return nil
}

// SendFileHandle stages a streamed response over an already-open file
// handle (e.g. one held by a shared core/sendfile.FileCache). Unlike
// SendFile, the handle is read with ReadAt and never closed by the
// response, since a cache may be serving it to other concurrent
// requests at the same time.
func (resp *Response) SendFileHandle(f *os.File, size int64, contentType string) error {
	resp.Status = 200
	resp.ContentType = contentType
	resp.file = f
	resp.fileOwned = false
	resp.fileSize = size
	resp.contentLength = size
	resp.haveContentLength = true
	return nil
}

// FlushHeaders is idempotent: it serializes status line and headers
// into the client buffer at most once. It runs the header-filter chain
// twice around transfer-encoding reconciliation so filters both shape
// and observe the final framing.
func (resp *Response) FlushHeaders() error {
	if resp.headersSent {
		return nil
	}
	resp.headersSent = true

	resp.Headers.Set("Server", "fastgate")

	reqConnClose := strings.EqualFold(resp.Request.Headers.Get("Connection"), "close")
	switch resp.Request.Protocol {
	case "HTTP/1.0":
		// Always closed, even when the client asked to keep alive.
		resp.Headers.Set("Connection", "close")
		resp.closed = true
	default:
		if reqConnClose {
			resp.Headers.Set("Connection", "close")
			resp.closed = true
		} else {
			resp.Headers.Set("Connection", "keep-alive")
			resp.closed = false
		}
	}

	if resp.forceClose {
		resp.Headers.Set("Connection", "close")
		resp.closed = true
	}

	for _, f := range resp.HeaderFilters {
		if err := f(resp); err != nil {
			return err
		}
	}

	resp.reconcileFraming()

	for _, f := range resp.HeaderFilters {
		if err := f(resp); err != nil {
			return err
		}
	}

	resp.serializeHeaders()
	return nil
}

// reconcileFraming finalizes Content-Length vs chunked vs
// close-delimited framing: HTTP/1.1 without a declared length goes
// chunked, HTTP/1.0 close-delimits, and 204/304 carry neither.
func (resp *Response) reconcileFraming() {
	if resp.Status == 204 || resp.Status == 304 {
		resp.haveContentLength = false
		resp.chunked = false
		delete(resp.Headers, "content-length")
		delete(resp.Headers, "transfer-encoding")
		return
	}

	if resp.haveContentLength {
		resp.Headers.Set("Content-Length", strconv.FormatInt(resp.contentLength, 10))
		return
	}

	if resp.Request.Protocol == "HTTP/1.1" {
		resp.chunked = true
		resp.Headers.Set("Transfer-Encoding", "chunked")
		return
	}

	// HTTP/1.0, no declared length: close-delimited.
	resp.closed = true
	resp.Headers.Set("Connection", "close")
}

func (resp *Response) serializeHeaders() {
	line := fmt.Sprintf("%s %d %s\r\n", resp.Request.Protocol, resp.Status, statusText(resp.Status))
	resp.out.Extend([]byte(line))
	if resp.ContentType != "" && resp.Headers.Get("Content-Type") == "" {
		resp.Headers.Set("Content-Type", resp.ContentType)
	}
	for name, values := range resp.Headers {
		for _, v := range values {
			resp.out.Extend([]byte(canonicalHeaderName(name) + ": " + v + "\r\n"))
		}
	}
	resp.out.Extend([]byte("\r\n"))
}

// SendBodyChunk flushes headers if needed, runs the body-filter chain,
// frames the chunk (chunked-encoding wrapper if active), and stages the
// bytes into the client buffer. A nil chunk emits the terminating
// "0\r\n\r\n" when chunked framing is active.
func (resp *Response) SendBodyChunk(chunk []byte) error {
	if err := resp.FlushHeaders(); err != nil {
		return err
	}
	if chunk == nil {
		if resp.chunked {
			resp.out.Extend([]byte("0\r\n\r\n"))
		}
		resp.bodySent = true
		return nil
	}

	var err error
	for _, f := range resp.BodyFilters {
		chunk, err = f(resp, chunk)
		if err != nil {
			return err
		}
	}

	if resp.chunked {
		resp.out.Extend([]byte(fmt.Sprintf("%x\r\n", len(chunk))))
		resp.out.Extend(chunk)
		resp.out.Extend([]byte("\r\n"))
	} else {
		resp.out.Extend(chunk)
	}
	return nil
}

// Flush drives the response to completion for one reactor turn: it
// runs per-request flush handlers first (these implement collaborating
// legs such as the upstream proxy), then stages any buffered body, then
// drains the client buffer over the given fd.
func (resp *Response) Flush(fd int) (Status, *ProxyHandle, error) {
	for _, h := range resp.FlushHandlers {
		status, peer, err := h(resp)
		if err != nil {
			return OK, nil, err
		}
		if status != OK {
			return status, peer, nil
		}
	}

	if !resp.bodySent {
		if err := resp.stageBufferedBody(); err != nil {
			return OK, nil, err
		}
	}

	drainedAll, n, err := resp.out.Write(fd, resp.outPos)
	resp.outPos += n
	if err != nil {
		if err == syscall.EAGAIN {
			return Again, nil, nil
		}
		if err == syscall.EPIPE || err == syscall.ECONNRESET {
			// Client went away mid-response.
			return Declined, nil, nil
		}
		return OK, nil, err
	}
	if !drainedAll {
		return Again, nil, nil
	}
	if !resp.bodySent {
		// More of a SendFile body is left to stage on the next turn.
		return Again, nil, nil
	}

	if resp.closed {
		return Declined, nil, nil
	}
	return OK, nil, nil
}

// stageBufferedBody serializes whatever was given to Send/SendFile.
// Streaming responses (the proxy content handler) instead call
// SendBodyChunk directly from a FlushHandler and never reach here.
func (resp *Response) stageBufferedBody() error {
	if resp.file != nil {
		return resp.stageFileChunk()
	}
	if err := resp.SendBodyChunk(resp.bodyBuf); err != nil {
		return err
	}
	resp.bodyBuf = nil
	resp.bodySent = true
	return nil
}

func (resp *Response) stageFileChunk() error {
	if err := resp.FlushHeaders(); err != nil {
		return err
	}
	buf := pools.GetBytes(sendFileChunk)
	defer pools.PutBytes(buf)
	n, err := resp.file.ReadAt(buf, resp.sendOffset)
	if n > 0 {
		resp.out.Extend(buf[:n])
		resp.sendOffset += int64(n)
	}
	if resp.sendOffset >= resp.fileSize {
		resp.closeFile()
		resp.bodySent = true
		return nil
	}
	if err != nil {
		resp.closeFile()
		return err
	}
	return nil
}

func (resp *Response) closeFile() {
	if resp.fileOwned && resp.file != nil {
		resp.file.Close()
	}
	resp.file = nil
}

func canonicalHeaderName(lower string) string {
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// statusText returns the upper-cased reason phrase for the status
// line.
func statusText(code int) string {
	switch code {
	case 100:
		return "CONTINUE"
	case 200:
		return "OK"
	case 204:
		return "NO CONTENT"
	case 301:
		return "MOVED PERMANENTLY"
	case 302:
		return "FOUND"
	case 304:
		return "NOT MODIFIED"
	case 400:
		return "BAD REQUEST"
	case 401:
		return "UNAUTHORIZED"
	case 403:
		return "FORBIDDEN"
	case 404:
		return "NOT FOUND"
	case 408:
		return "REQUEST TIMEOUT"
	case 500:
		return "INTERNAL SERVER ERROR"
	case 502:
		return "BAD GATEWAY"
	case 504:
		return "GATEWAY TIMEOUT"
	default:
		return "UNKNOWN"
	}
}
