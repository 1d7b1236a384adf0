/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"sync"
	"time"

	"github.com/ssgreg/logf"

	"github.com/acronis/go-ratequeue/log"
)

// RecordedEntry is a single captured log entry.
type RecordedEntry struct {
	Fields []log.Field
	Level  log.Level
	Time   time.Time
	Text   string
}

// FindField returns the first field with the given key.
func (re *RecordedEntry) FindField(key string) (*log.Field, bool) {
	for i := range re.Fields {
		if re.Fields[i].Key == key {
			return &re.Fields[i], true
		}
	}
	return nil, false
}

type recordingWriter struct {
	mu      sync.RWMutex
	entries []RecordedEntry
}

//nolint:gocritic
func (w *recordingWriter) WriteEntry(e logf.Entry) {
	fields := make([]log.Field, 0, len(e.Fields)+len(e.DerivedFields))
	fields = append(fields, e.DerivedFields...)
	fields = append(fields, e.Fields...)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, RecordedEntry{
		Fields: fields,
		Level:  fromLogfLevel(e.Level),
		Time:   e.Time,
		Text:   e.Text,
	})
}

// Recorder is a log.FieldLogger that keeps every entry in memory.
// Child loggers created by With and WithLevel share the same storage.
type Recorder struct {
	*log.LogfAdapter
	writer *recordingWriter
}

// NewRecorder returns an empty Recorder accepting all levels.
func NewRecorder() *Recorder {
	w := &recordingWriter{}
	return &Recorder{&log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, w)}, w}
}

// With returns a child Recorder with additional fields.
func (r *Recorder) With(fs ...log.Field) log.FieldLogger {
	return &Recorder{r.LogfAdapter.With(fs...).(*log.LogfAdapter), r.writer}
}

// WithLevel returns a child Recorder with an additional level check.
func (r *Recorder) WithLevel(level log.Level) log.FieldLogger {
	return &Recorder{r.LogfAdapter.WithLevel(level).(*log.LogfAdapter), r.writer}
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []RecordedEntry {
	r.writer.mu.RLock()
	defer r.writer.mu.RUnlock()
	return append([]RecordedEntry(nil), r.writer.entries...)
}

// FindEntry returns the first entry with the given message.
func (r *Recorder) FindEntry(msg string) (RecordedEntry, bool) {
	entries := r.FindAllEntries(msg)
	if len(entries) == 0 {
		return RecordedEntry{}, false
	}
	return entries[0], true
}

// FindAllEntries returns all entries with the given message.
func (r *Recorder) FindAllEntries(msg string) []RecordedEntry {
	return r.FindAllEntriesByFilter(func(e RecordedEntry) bool { return e.Text == msg })
}

// FindAllEntriesByFilter returns all entries accepted by filter.
func (r *Recorder) FindAllEntriesByFilter(filter func(entry RecordedEntry) bool) []RecordedEntry {
	r.writer.mu.RLock()
	defer r.writer.mu.RUnlock()
	var found []RecordedEntry
	for _, e := range r.writer.entries {
		if filter(e) {
			found = append(found, e)
		}
	}
	return found
}

// Reset drops recorded entries.
func (r *Recorder) Reset() {
	r.writer.mu.Lock()
	r.writer.entries = nil
	r.writer.mu.Unlock()
}

func fromLogfLevel(value logf.Level) log.Level {
	switch value {
	case logf.LevelError:
		return log.LevelError
	case logf.LevelWarn:
		return log.LevelWarn
	case logf.LevelDebug:
		return log.LevelDebug
	}
	return log.LevelInfo
}
