package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Records on the wire are newline-delimited lines of the form
// "data: <json>", terminated by the sentinel line "data: [DONE]".
const (
	recordPrefix     = "data:"
	terminalSentinel = "[DONE]"
)

// maxRecordSize bounds a single stream record. Generation backends emit
// small deltas; anything past this is a broken stream, not a record.
const maxRecordSize = 1 << 20

// TerminalMetadata arrives once, on the completing read of a response.
type TerminalMetadata struct {
	EscalationRequested bool     `json:"escalationRequested"`
	EscalationReason    string   `json:"escalationReason,omitempty"`
	Sources             []string `json:"sources,omitempty"`
}

// StreamChunk is one observed step of the generation backend's response.
// TerminalMetadata is only populated when IsComplete is true.
type StreamChunk struct {
	DeltaContent     string
	IsComplete       bool
	TerminalMetadata *TerminalMetadata
}

// Result is the closed-out state of one consumed stream. Truncated means
// the transport dropped before the terminal record; Content then holds
// whatever partial text was accumulated.
type Result struct {
	Content   string
	ChatID    string
	Truncated bool
	Metadata  *TerminalMetadata
}

// record is the JSON payload of one stream line. Every field is optional.
type record struct {
	Content             string   `json:"content"`
	ChatID              string   `json:"chatId"`
	IsComplete          bool     `json:"isComplete"`
	EscalationRequested bool     `json:"escalationRequested"`
	EscalationReason    string   `json:"escalationReason"`
	Sources             []string `json:"sources"`
}

func (r record) metadata() *TerminalMetadata {
	return &TerminalMetadata{
		EscalationRequested: r.EscalationRequested,
		EscalationReason:    r.EscalationReason,
		Sources:             r.Sources,
	}
}

// Consume reads the event stream from r until the terminal record, the end
// of the underlying transport, or ctx cancellation. Each parsed record is
// surfaced through onChunk (which may be nil) and its content is
// accumulated exactly once into the Result.
//
// Malformed records are skipped silently: a record split across read
// boundaries is completed by a later read, so a parse failure is never
// fatal to the stream. Escalation flags seen before the completing read are
// provisional and are not propagated; only the metadata of the final
// complete record reaches the Result.
//
// If the transport drops before the terminal record, Consume returns the
// partial Result with Truncated set instead of an error, so callers always
// get the text that made it through.
func Consume(ctx context.Context, r io.Reader, onChunk func(StreamChunk)) (*Result, error) {
	if r == nil {
		return nil, errors.New("streaming: nil reader")
	}
	res := &Result{}
	var content strings.Builder
	var lastComplete *record

	emit := func(c StreamChunk) {
		if onChunk != nil {
			onChunk(c)
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			res.Content = content.String()
			res.Truncated = true
			emit(StreamChunk{IsComplete: true})
			return res, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, recordPrefix) {
			log.Debug().Str("component", "stream_consumer").Str("line", line).Msg("skipping non-data line")
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, recordPrefix))
		if body == terminalSentinel {
			res.Content = content.String()
			final := StreamChunk{IsComplete: true}
			if lastComplete != nil {
				res.ChatID = firstNonEmpty(res.ChatID, lastComplete.ChatID)
				res.Metadata = lastComplete.metadata()
				final.TerminalMetadata = res.Metadata
			}
			emit(final)
			return res, nil
		}
		var rec record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			log.Debug().Str("component", "stream_consumer").Err(err).Msg("skipping malformed stream record")
			continue
		}
		if rec.ChatID != "" {
			res.ChatID = rec.ChatID
		}
		if rec.Content != "" {
			content.WriteString(rec.Content)
			emit(StreamChunk{DeltaContent: rec.Content})
		}
		if rec.IsComplete {
			// Provisional until the terminal sentinel confirms it;
			// backends may echo terminal metadata speculatively.
			c := rec
			lastComplete = &c
		}
	}

	res.Content = content.String()
	res.Truncated = true
	if err := scanner.Err(); err != nil {
		log.Warn().Str("component", "stream_consumer").Err(err).Msg("stream closed before terminal record")
	}
	emit(StreamChunk{IsComplete: true})
	return res, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
