package logsink

import (
	"log/slog"
	"time"
)

// SourceKey is the attribute key carrying the producer of a record
const SourceKey = "source"

// Attr is a flattened log attribute. Values are rendered to strings by the
// producer so records can cross a process boundary.
type Attr struct {
	Key   string
	Value string
}

// Record is a serialisable log record produced by a Handler
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   []Attr
	// Source names the producer (for example "worker-2"); empty for the
	// coordinating process.
	Source string
}

// slogRecord rebuilds the record for the writer-side handler
func (r Record) slogRecord() slog.Record {
	rec := slog.NewRecord(r.Time, r.Level, r.Message, 0)
	if r.Source != "" {
		rec.AddAttrs(slog.String(SourceKey, r.Source))
	}
	for _, a := range r.Attrs {
		rec.AddAttrs(slog.String(a.Key, a.Value))
	}
	return rec
}
