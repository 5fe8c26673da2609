package generation

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ScriptedBackend replays canned responses, one per Complete call, rendered
// as the same chunked stream the HTTP backend produces. Used by tests and
// local/offline runs.
type ScriptedBackend struct {
	mu        sync.Mutex
	responses []string
	// ChunkSize splits response text into deltas of this many bytes.
	ChunkSize int
	// Truncate drops the terminal record so consumers see a dead stream.
	Truncate bool
	calls    int
}

var _ Backend = &ScriptedBackend{}

func NewScriptedBackend(responses ...string) *ScriptedBackend {
	return &ScriptedBackend{responses: responses, ChunkSize: 8}
}

// Calls reports how many completions were requested.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *ScriptedBackend) Complete(_ context.Context, sessionID, _ string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls >= len(b.responses) {
		return nil, errors.New("generation: scripted backend exhausted")
	}
	text := b.responses[b.calls]
	b.calls++

	size := b.ChunkSize
	if size <= 0 {
		size = 8
	}
	var sb strings.Builder
	for off := 0; off < len(text); off += size {
		end := off + size
		if end > len(text) {
			end = len(text)
		}
		writeRecord(&sb, map[string]any{"content": text[off:end], "chatId": sessionID})
	}
	if !b.Truncate {
		writeRecord(&sb, map[string]any{"isComplete": true, "chatId": sessionID})
		sb.WriteString("data: [DONE]\n")
	}
	return io.NopCloser(strings.NewReader(sb.String())), nil
}

func writeRecord(sb *strings.Builder, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	sb.WriteString("data: ")
	sb.Write(raw)
	sb.WriteString("\n")
}
