package supervisor

import (
	"bytes"
	"strings"

	"github.com/agentrun/agentrun/internal/marker"
)

// maxHeldLine bounds how much of a newline-less stream we accumulate
// before giving up and emitting it as a line anyway. Marker-prefixed
// partials are exempt: a split marker must never be emitted truncated.
const maxHeldLine = 64 * 1024

// lineBuffer reassembles complete lines from arbitrary stream chunks.
// Each stream (stdout, stderr) gets its own buffer because a marker may
// be split across delivery boundaries.
type lineBuffer struct {
	partial bytes.Buffer
}

// feed appends a chunk and returns every complete line it closed. The
// trailing partial line is retained for the next chunk; an oversized
// partial is flushed early unless it looks like the start of a marker.
func (b *lineBuffer) feed(chunk []byte) []string {
	b.partial.Write(chunk)

	var lines []string
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(data[:i]), "\r"))
		b.partial.Next(i + 1)
	}

	if b.partial.Len() > maxHeldLine && !marker.LooksLikePrefix(b.partial.String()) {
		lines = append(lines, b.partial.String())
		b.partial.Reset()
	}
	return lines
}

// flush returns the buffered partial line, if any. Called once when the
// process exits so trailing output without a final newline still lands.
func (b *lineBuffer) flush() (string, bool) {
	if b.partial.Len() == 0 {
		return "", false
	}
	line := b.partial.String()
	b.partial.Reset()
	return line, true
}
