/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"bufio"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/hdr"
)

// writeRequest serializes req onto conn (spec.md §4.3). It returns
// shouldClose=true when the connection must not be reused afterward
// (Connection: close was sent, or req declares an upgrade).
func (c *Client) writeRequest(w *bufio.Writer, req *Request, keepAliveAllowed bool) (shouldClose bool, err error) {
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, req.Path); err != nil {
		return false, err
	}

	host := req.Headers.Get("Host")
	if host == "" {
		host = c.origin.hostport()
	}
	if _, err := fmt.Fprintf(w, "Host: %s\r\n", host); err != nil {
		return false, err
	}

	shouldClose = !keepAliveAllowed
	if req.isUpgrade() {
		shouldClose = true
	}

	connVal := "keep-alive"
	if shouldClose {
		connVal = "close"
	}
	if _, err := fmt.Fprintf(w, "Connection: %s\r\n", connVal); err != nil {
		return shouldClose, err
	}
	if req.isUpgrade() {
		if _, err := fmt.Fprintf(w, "Upgrade: %s\r\n", req.Upgrade); err != nil {
			return shouldClose, err
		}
	}

	chunked := false
	switch req.BodyKind {
	case NoBody:
		if methodsExpectingPayload[req.Method] {
			if _, err := io.WriteString(w, "Content-Length: 0\r\n"); err != nil {
				return shouldClose, err
			}
		}
	case BufferBody, StreamBody:
		if req.ContentLen >= 0 {
			if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n", req.ContentLen); err != nil {
				return shouldClose, err
			}
		} else {
			chunked = true
			if _, err := io.WriteString(w, "Transfer-Encoding: chunked\r\n"); err != nil {
				return shouldClose, err
			}
		}
	}

	for k, vv := range stripComputedHeaders(req.Headers) {
		if k == "Host" {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return shouldClose, err
			}
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return shouldClose, err
	}

	if req.Body != nil {
		if chunked {
			err = writeChunkedBody(w, req.Body)
		} else {
			n, copyErr := io.CopyN(w, req.Body, req.ContentLen)
			strict := c.opts.StrictContentLength == nil || *c.opts.StrictContentLength
			switch {
			case copyErr != nil && copyErr != io.EOF:
				err = copyErr
			case req.ContentLen >= 0 && n != req.ContentLen:
				if strict {
					err = dispatcherr.New(dispatcherr.ContentLengthMismatch, "body shorter than declared Content-Length")
				} else {
					c.log.WithFields(logrus.Fields{"declared": req.ContentLen, "written": n}).
						Warn("body length diverged from declared Content-Length")
				}
			default:
				// CopyN wrote exactly ContentLen bytes; a reader that still has
				// more to give has overshot its declared length.
				var extra [1]byte
				if xn, _ := req.Body.Read(extra[:]); xn > 0 {
					if strict {
						err = dispatcherr.New(dispatcherr.ContentLengthMismatch, "body longer than declared Content-Length")
					} else {
						c.log.WithFields(logrus.Fields{"declared": req.ContentLen}).
							Warn("body length diverged from declared Content-Length")
					}
				}
			}
		}
		if err != nil {
			return shouldClose, err
		}
	}

	return shouldClose, w.Flush()
}

func writeChunkedBody(w *bufio.Writer, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := fmt.Fprintf(w, "%x\r\n", n); err != nil {
				return err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			_, err := io.WriteString(w, "0\r\n\r\n")
			return err
		}
		if rerr != nil {
			return rerr
		}
	}
}

// stripComputedHeaders strips the headers the writer computes itself so a
// caller can't smuggle a conflicting Connection/Content-Length/
// Transfer-Encoding in (defense in depth; validateAndBuildRequest already
// rejects Connection, Transfer-Encoding and Upgrade via hdr.IsForbidden, and
// reads a caller's Content-Length into Request.ContentLen).
func stripComputedHeaders(h hdr.Header) hdr.Header {
	clone := h.Clone()
	for _, k := range []string{"Connection", "Content-Length", "Transfer-Encoding", "Upgrade"} {
		clone.Del(k)
	}
	return clone
}
