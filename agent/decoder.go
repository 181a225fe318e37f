package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"
)

// dataPrefix is the fixed marker that introduces one frame on the stream.
// Lines without it (blank keep-alives, comments) are skipped.
const dataPrefix = "data: "

// Decoder turns the raw response body into an ordered sequence of typed
// Events. It knows nothing about session semantics: framing only.
//
// Framing rule: the body is consumed line by line; every line beginning with
// the data marker is parsed as one JSON frame. A trailing line that never
// received its terminator is incomplete and is not parsed. A single bad line
// is dropped and the stream continues; decoding never aborts on one frame.
type Decoder struct {
	r   *bufio.Reader
	log *zap.Logger
}

// NewDecoder wraps a response body. A nil logger is replaced with a nop one.
func NewDecoder(r io.Reader, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{r: bufio.NewReader(r), log: log}
}

// Next returns the next decoded event. It returns io.EOF when the underlying
// transport closes normally, and the transport's error when it dies
// mid-stream (including context cancellation surfaced by the body reader).
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			// A partial line with no terminator is an incomplete frame;
			// it is discarded rather than parsed.
			if err == io.EOF && line != "" {
				d.log.Debug("dropping unterminated trailing line", zap.Int("len", len(line)))
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(line[len(dataPrefix):]), &f); err != nil {
			d.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		ev, err := parseEvent(f)
		if err != nil {
			d.log.Debug("dropping undecodable event", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		return ev, nil
	}
}
