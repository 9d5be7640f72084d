/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package parser implements the incremental HTTP/1.1 response parser spec.md
// treats as a collaborator: Execute is fed raw socket bytes as they arrive
// and drives a fixed set of callbacks (OnHeaderField, OnHeaderValue,
// OnHeadersComplete, OnBody, OnMessageComplete). It never touches a
// net.Conn directly and knows nothing about Requests, Clients or queues —
// grounded in the teacher's ReadResponse/chunked-reader machinery
// (src/http/response.go, utils_chunks.go), rewritten as a push-style state
// machine instead of a pull-style bufio.Reader so it can pause mid-body for
// handler back-pressure (spec.md §4.4/§5).
package parser

import (
	"fmt"
)

// Result is the outcome of a call to Execute.
type Result int

const (
	// ResultOK means every available byte was consumed; the parser is
	// waiting for more input (or for the connection to close, in the
	// EOF-terminated framing case).
	ResultOK Result = iota
	// ResultPaused means a callback requested back-pressure; call Resume
	// once the handler is ready for more.
	ResultPaused
	// ResultPausedUpgrade means the headers signalled a protocol
	// upgrade; Leftover returns the bytes immediately following the
	// header block, and the parser will not consume anything further.
	ResultPausedUpgrade
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultPaused:
		return "paused"
	case ResultPausedUpgrade:
		return "paused_upgrade"
	default:
		return "unknown"
	}
}

// Error reports a byte offset within the line being parsed (0 when no
// finer position is known) and a human-readable reason, matching spec.md's
// error(pos, reason).
type Error struct {
	Pos    int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse error at byte %d: %s", e.Pos, e.Reason)
}

// HeadersAction is returned by OnHeadersComplete to steer the parser.
type HeadersAction int

const (
	// ActionContinue parses the body normally.
	ActionContinue HeadersAction = iota
	// ActionPause requests back-pressure before any body byte is
	// delivered (the handler's on_headers returned false).
	ActionPause
	// ActionSkipBody forces a zero-length body regardless of framing
	// (HEAD responses).
	ActionSkipBody
	// ActionStopAfterHeaders hands the raw connection to the caller
	// (101 Switching Protocols, or a CONNECT 2xx).
	ActionStopAfterHeaders
)

// Callbacks is the fixed set of hooks Execute drives. All fields should be
// set before the first Execute call; none may be nil.
type Callbacks struct {
	OnHeaderField     func(b []byte)
	OnHeaderValue     func(b []byte)
	OnHeadersComplete func(statusCode int, upgrade, keepAlive bool) HeadersAction
	OnBody            func(chunk []byte) (pause bool)
	OnMessageComplete func(trailers map[string][]string)
}

type state int

const (
	stateStatusLine state = iota
	stateHeaderLine
	stateBody
	stateTrailerLine
	statePausedHeaders
	statePausedBody
	statePausedUpgrade
)

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyIdentity
	bodyChunked
	bodyEOF
)

type chunkSub int

const (
	chunkSize chunkSub = iota
	chunkData
	chunkCRLF
	chunkTrailer
)

// Parser is the incremental response parser bound 1:1 to a live socket
// (spec.md §3 "Socket/parser coupling"): it survives across every pipelined
// response on that connection, resetting its per-message fields after each
// OnMessageComplete.
type Parser struct {
	cb Callbacks

	buf   []byte
	state state

	// status line
	statusCode int

	// header accumulation for the message currently being parsed
	curField             string
	sawContentLength     bool
	contentLength        int64
	sawTransferEncChunked bool
	upgradeRequested     bool // "Upgrade:" header present on this message
	connectionClose      bool
	connectionKeepAlive  bool

	trailerNames map[string]bool
	trailers     map[string][]string
	inTrailerSet bool

	// body framing
	mode           bodyMode
	remaining      int64
	chunkSub       chunkSub
	chunkRemaining int64

	leftover []byte // post-header bytes on upgrade

	maxHeaderSize int
	headerBytes   int
}

// ErrHeadersOverflow is returned by Execute when the accumulated header
// section of one message exceeds the configured MaxHeaderSize (spec.md
// §4.4 "HeadersOverflowError").
var ErrHeadersOverflow = &Error{Reason: "header section exceeded maxHeaderSize"}

// ErrTrailerMismatch is returned by Execute when a message declared
// trailer names via "Trailer:" that never showed up in the trailing
// header block (spec.md §4.4 "TrailerMismatchError").
var ErrTrailerMismatch = &Error{Reason: "trailer mismatch"}

// New returns a parser bound to the given callback set. maxHeaderSize caps
// the cumulative byte size of one message's header section; 0 means no cap.
func New(cb Callbacks, maxHeaderSize int) *Parser {
	return &Parser{cb: cb, state: stateStatusLine, maxHeaderSize: maxHeaderSize}
}

// SetTrailerNames records the Trailer: header's declared names so
// OnMessageComplete's validation (spec.md §4.4) has something to check
// against. Call from within OnHeadersComplete before returning.
func (p *Parser) SetTrailerNames(names []string) {
	p.trailerNames = make(map[string]bool, len(names))
	for _, n := range names {
		p.trailerNames[n] = true
	}
}

// trailerNamesSatisfied reports whether every declared trailer name was
// seen in the trailing header block of the message just completed.
func (p *Parser) trailerNamesSatisfied() bool {
	for n := range p.trailerNames {
		if _, ok := p.trailers[n]; !ok {
			return false
		}
	}
	return true
}

// Leftover returns bytes immediately following the header block when
// Execute returned ResultPausedUpgrade.
func (p *Parser) Leftover() []byte { return p.leftover }

// Resume un-pauses the parser and continues parsing any buffered bytes.
func (p *Parser) Resume() (Result, error) {
	switch p.state {
	case statePausedHeaders:
		p.beginBody()
		p.state = stateBody
		return p.run()
	case statePausedBody:
		p.state = stateBody
		return p.run()
	default:
		return ResultOK, nil
	}
}

// Execute feeds newly-read socket bytes to the parser.
func (p *Parser) Execute(data []byte) (Result, error) {
	if p.state == statePausedUpgrade {
		return ResultPausedUpgrade, nil
	}
	if len(data) > 0 {
		p.buf = append(p.buf, data...)
	}
	if p.state == statePausedHeaders || p.state == statePausedBody {
		return ResultPaused, nil
	}
	return p.run()
}

func (p *Parser) run() (Result, error) {
	for {
		switch p.state {
		case stateStatusLine:
			line, ok := p.takeLine()
			if !ok {
				return ResultOK, nil
			}
			if err := p.parseStatusLine(line); err != nil {
				return ResultOK, err
			}
			p.resetMessageState()
			p.state = stateHeaderLine
		case stateHeaderLine:
			line, ok := p.takeLine()
			if !ok {
				return ResultOK, nil
			}
			if len(line) == 0 {
				res, err := p.afterHeadersComplete()
				if err != nil || res != ResultOK {
					return res, err
				}
				continue
			}
			p.headerBytes += len(line) + 2
			if p.maxHeaderSize > 0 && p.headerBytes > p.maxHeaderSize {
				return ResultOK, ErrHeadersOverflow
			}
			if err := p.parseHeaderLine(line, false); err != nil {
				return ResultOK, err
			}
		case stateTrailerLine:
			line, ok := p.takeLine()
			if !ok {
				return ResultOK, nil
			}
			if len(line) == 0 {
				if !p.trailerNamesSatisfied() {
					return ResultOK, ErrTrailerMismatch
				}
				p.cb.OnMessageComplete(p.trailers)
				p.state = stateStatusLine
				continue
			}
			if err := p.parseHeaderLine(line, true); err != nil {
				return ResultOK, err
			}
		case stateBody:
			prevState := p.state
			res, err := p.runBody()
			if err != nil || res != ResultOK {
				return res, err
			}
			if p.state == prevState {
				// still the same message, just waiting on more bytes
				return ResultOK, nil
			}
			continue
		default:
			return ResultOK, nil
		}
	}
}

func (p *Parser) resetMessageState() {
	p.curField = ""
	p.sawContentLength = false
	p.contentLength = 0
	p.sawTransferEncChunked = false
	p.upgradeRequested = false
	p.connectionClose = false
	p.connectionKeepAlive = false
	p.trailerNames = nil
	p.trailers = make(map[string][]string)
	p.inTrailerSet = false
	p.headerBytes = 0
}

// takeLine extracts a \r\n-terminated line (without the terminator) from
// the front of the buffer, reports false if no full line is buffered yet.
func (p *Parser) takeLine() ([]byte, bool) {
	for i := 0; i+1 < len(p.buf); i++ {
		if p.buf[i] == '\r' && p.buf[i+1] == '\n' {
			line := p.buf[:i]
			p.buf = p.buf[i+2:]
			return line, true
		}
	}
	return nil, false
}

func (p *Parser) parseStatusLine(line []byte) error {
	// "HTTP/1.1 200 OK"
	i := indexByte(line, ' ')
	if i < 0 {
		return &Error{Pos: 0, Reason: "malformed status line"}
	}
	proto := string(line[:i])
	if len(proto) < 8 || proto[:5] != "HTTP/" {
		return &Error{Pos: 0, Reason: "unsupported protocol: " + proto}
	}
	rest := line[i+1:]
	j := indexByte(rest, ' ')
	var codeBytes []byte
	if j < 0 {
		codeBytes = rest
	} else {
		codeBytes = rest[:j]
	}
	code, err := atoi(codeBytes)
	if err != nil || code < 100 || code > 999 {
		return &Error{Pos: i + 1, Reason: "invalid status code"}
	}
	p.statusCode = code
	return nil
}

func (p *Parser) parseHeaderLine(line []byte, trailer bool) error {
	colon := indexByte(line, ':')
	if colon < 0 {
		return &Error{Pos: 0, Reason: "malformed header line"}
	}
	name := trimSpace(line[:colon])
	value := trimSpace(line[colon+1:])

	if trailer {
		p.inTrailerSet = true
		p.trailers[string(name)] = append(p.trailers[string(name)], string(value))
		p.cb.OnHeaderField(name)
		p.cb.OnHeaderValue(value)
		return nil
	}

	p.cb.OnHeaderField(name)
	p.cb.OnHeaderValue(value)

	switch lower(string(name)) {
	case "content-length":
		n, err := atoi(value)
		if err != nil {
			return &Error{Pos: 0, Reason: "invalid Content-Length"}
		}
		p.sawContentLength = true
		p.contentLength = int64(n)
	case "transfer-encoding":
		if containsFold(value, "chunked") {
			p.sawTransferEncChunked = true
		}
	case "upgrade":
		p.upgradeRequested = true
	case "connection":
		if containsFold(value, "close") {
			p.connectionClose = true
		}
		if containsFold(value, "keep-alive") {
			p.connectionKeepAlive = true
		}
		if containsFold(value, "upgrade") {
			p.upgradeRequested = true
		}
	}
	return nil
}

func (p *Parser) afterHeadersComplete() (Result, error) {
	keepAlive := p.connectionKeepAlive || (!p.connectionClose)
	if p.connectionClose {
		keepAlive = false
	}
	action := p.cb.OnHeadersComplete(p.statusCode, p.upgradeRequested, keepAlive)
	switch action {
	case ActionStopAfterHeaders:
		p.leftover = append([]byte(nil), p.buf...)
		p.buf = nil
		p.state = statePausedUpgrade
		return ResultPausedUpgrade, nil
	case ActionPause:
		p.state = statePausedHeaders
		return ResultPaused, nil
	case ActionSkipBody:
		p.mode = bodyNone
		p.cb.OnMessageComplete(nil)
		p.state = stateStatusLine
		return ResultOK, nil
	default:
		p.beginBody()
		p.state = stateBody
		return ResultOK, nil
	}
}

func (p *Parser) beginBody() {
	switch {
	case p.sawTransferEncChunked:
		p.mode = bodyChunked
		p.chunkSub = chunkSize
	case p.sawContentLength:
		if p.contentLength == 0 {
			p.mode = bodyNone
			return
		}
		p.mode = bodyIdentity
		p.remaining = p.contentLength
	default:
		p.mode = bodyEOF
	}
}

func (p *Parser) runBody() (Result, error) {
	switch p.mode {
	case bodyNone:
		p.cb.OnMessageComplete(nil)
		p.state = stateStatusLine
		return ResultOK, nil
	case bodyIdentity:
		return p.runIdentityBody()
	case bodyChunked:
		return p.runChunkedBody()
	case bodyEOF:
		return p.runEOFBody()
	default:
		return ResultOK, nil
	}
}

func (p *Parser) runIdentityBody() (Result, error) {
	if len(p.buf) == 0 && p.remaining > 0 {
		return ResultOK, nil
	}
	n := int64(len(p.buf))
	if n > p.remaining {
		n = p.remaining
	}
	if n > 0 {
		chunk := p.buf[:n]
		p.buf = p.buf[n:]
		p.remaining -= n
		if p.cb.OnBody(chunk) {
			p.state = statePausedBody
			return ResultPaused, nil
		}
	}
	if p.remaining == 0 {
		p.cb.OnMessageComplete(nil)
		p.mode = bodyNone
		p.state = stateStatusLine
		return ResultOK, nil
	}
	return ResultOK, nil
}

// EOF signals the underlying connection closed; only meaningful while a
// bodyEOF-framed message is in flight.
func (p *Parser) EOF() error {
	if p.state == stateBody && p.mode == bodyEOF {
		if len(p.buf) > 0 {
			chunk := p.buf
			p.buf = nil
			p.cb.OnBody(chunk)
		}
		p.cb.OnMessageComplete(nil)
		p.mode = bodyNone
		p.state = stateStatusLine
		return nil
	}
	return &Error{Reason: "connection closed mid-message"}
}

func (p *Parser) runEOFBody() (Result, error) {
	if len(p.buf) > 0 {
		chunk := p.buf
		p.buf = nil
		if p.cb.OnBody(chunk) {
			p.state = statePausedBody
			return ResultPaused, nil
		}
	}
	return ResultOK, nil
}

func (p *Parser) runChunkedBody() (Result, error) {
	for {
		switch p.chunkSub {
		case chunkSize:
			line, ok := p.takeLine()
			if !ok {
				return ResultOK, nil
			}
			if semi := indexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := parseHex(line)
			if err != nil {
				return ResultOK, &Error{Reason: "invalid chunk size"}
			}
			if size == 0 {
				p.chunkSub = chunkTrailer
				p.state = stateTrailerLine
				return ResultOK, nil
			}
			p.chunkRemaining = size
			p.chunkSub = chunkData
		case chunkData:
			if len(p.buf) == 0 && p.chunkRemaining > 0 {
				return ResultOK, nil
			}
			n := int64(len(p.buf))
			if n > p.chunkRemaining {
				n = p.chunkRemaining
			}
			if n > 0 {
				chunk := p.buf[:n]
				p.buf = p.buf[n:]
				p.chunkRemaining -= n
				if p.cb.OnBody(chunk) {
					p.state = statePausedBody
					return ResultPaused, nil
				}
			}
			if p.chunkRemaining == 0 {
				p.chunkSub = chunkCRLF
			} else {
				return ResultOK, nil
			}
		case chunkCRLF:
			if len(p.buf) < 2 {
				return ResultOK, nil
			}
			if p.buf[0] != '\r' || p.buf[1] != '\n' {
				return ResultOK, &Error{Reason: "malformed chunk terminator"}
			}
			p.buf = p.buf[2:]
			p.chunkSub = chunkSize
		default:
			return ResultOK, nil
		}
	}
}
