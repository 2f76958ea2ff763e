// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
)

// sslRequestBytes is the complete 8-byte PostgreSQL SSLRequest message:
// length 8 in bytes 0-3, then the request code 80877103 (0x04D2162F) in
// bytes 4-7.
var sslRequestBytes = [8]byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}

// isSSLRequest reports whether buf[:n] is the 8-byte SSLRequest message.
func isSSLRequest(buf []byte, n int) bool {
	if n != 8 {
		return false
	}
	return buf[4] == 0x04 && buf[5] == 0xd2
}

// isQuery reports whether the first byte of a client→server frame marks a
// simple Query message.
func isQuery(buf []byte, n int) bool {
	return n > 0 && buf[0] == 'Q'
}

// extractQuery pulls the NUL-terminated SQL text out of a Query frame,
// skipping the 1-byte message type and 4-byte length. It returns "" for
// frames too short to contain a query, which the caller must not cache.
func extractQuery(buf []byte, n int) string {
	if n < 5 {
		return ""
	}
	body := buf[5:n]
	if idx := indexByte(body, 0); idx >= 0 {
		body = body[:idx]
	}
	if len(body) == 0 {
		return ""
	}
	return string(body)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// isBenignClose classifies the TLS/network conditions that terminate only
// one direction of a Session without being a fatal, logged-at-warn error:
// operation-aborted, truncation, short read, protocol-shutdown, and
// bad-record-mac, mirroring is_expected_ssl_error.
func isBenignClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := err.Error()
	for _, needle := range []string{
		"use of closed network connection",
		"operation was canceled",
		"context canceled",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	for _, needle := range []string{
		"tls: unexpected message",
		"unexpected EOF",
		"short read",
		"protocol is shutdown",
		"bad record mac",
		"tls: bad record MAC",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	return false
}
