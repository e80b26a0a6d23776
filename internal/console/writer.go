package console

import (
	"io"
	"sync"
)

// PromptWriter interleaves asynchronous log output with an interactive
// prompt: every write clears the current line, emits the payload, then
// reprints the prompt so the cursor is never orphaned mid-line.
type PromptWriter struct {
	mu     sync.Mutex
	out    io.Writer
	prompt string
	active bool
}

// NewPromptWriter wraps out. The prompt is only reprinted while the
// console marks it active.
func NewPromptWriter(out io.Writer, prompt string) *PromptWriter {
	return &PromptWriter{out: out, prompt: prompt}
}

// SetActive toggles prompt reprinting; inactive while a command's own
// output is being produced.
func (w *PromptWriter) SetActive(active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = active
}

// ShowPrompt prints the prompt without a preceding payload.
func (w *PromptWriter) ShowPrompt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	io.WriteString(w.out, w.prompt)
}

// Write implements io.Writer for the logging handler.
func (w *PromptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		// Erase the pending prompt line before the log line.
		if _, err := io.WriteString(w.out, "\r\x1b[K"); err != nil {
			return 0, err
		}
	}
	n, err := w.out.Write(p)
	if err != nil {
		return n, err
	}
	if w.active {
		if _, err := io.WriteString(w.out, w.prompt); err != nil {
			return n, err
		}
	}
	return n, nil
}
