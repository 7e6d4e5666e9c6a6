// Package framer turns arbitrary byte chunks from a child process's
// stdout/stderr pipe into complete, newline-delimited lines.
//
// bufio.Scanner hides its partial-line buffer from the caller, which is
// fine for "read one line at a time from a live stream" but not for the
// contract this component needs: accept byte chunks split at arbitrary
// offsets (mid-token, mid-newline) and retain the trailing partial line
// across calls so it can be tested without a real io.Reader. That shape is
// not offered by any transport/codec dependency in the retrieved examples,
// so LineFramer is a small hand-rolled buffer over bytes.IndexByte rather
// than a wrapped bufio.Scanner.
package framer

import "bytes"

// LineFramer buffers a stream of byte chunks and yields complete lines.
// One instance is used per stream (stdout gets its own, stderr gets its
// own) — it is not safe for concurrent use by multiple goroutines.
type LineFramer struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete,
// non-blank line it now contains. The terminator is excluded. Any trailing
// partial line is retained for the next call.
func (f *LineFramer) Feed(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(f.buf[:idx], "\r")
		f.buf = f.buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	return lines
}

// Close flushes any trailing partial line. It returns ("", false) if the
// remaining buffer is empty or blank.
func (f *LineFramer) Close() (string, bool) {
	line := bytes.TrimRight(f.buf, "\r")
	f.buf = nil
	if len(bytes.TrimSpace(line)) == 0 {
		return "", false
	}
	return string(line), true
}
