package storage

import (
	"context"

	"github.com/rs/zerolog"

	"manifold-etl/internal/metrics"
)

// ChunkWriter commits one chunk of records atomically.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, entity Entity, records []Record) (ChunkResult, error)
}

// UpserterOptions tune failure handling.
type UpserterOptions struct {
	// IsolateFailures bisects a failing chunk until only the offending records fail.
	IsolateFailures bool
}

// Upserter splits record batches into idempotent, independently committed chunks.
type Upserter struct {
	writer ChunkWriter
	opts   UpserterOptions
	logger zerolog.Logger
}

// NewUpserter constructs an Upserter over writer.
func NewUpserter(writer ChunkWriter, opts UpserterOptions, logger zerolog.Logger) *Upserter {
	return &Upserter{
		writer: writer,
		opts:   opts,
		logger: logger.With().Str("component", "upserter").Logger(),
	}
}

// Upsert writes records in chunks of chunkSize. A failed chunk never affects the others.
func (u *Upserter) Upsert(ctx context.Context, entity Entity, records []Record, chunkSize int) UpsertReport {
	var report UpsertReport
	records = dedupe(records)
	if len(records) == 0 {
		return report
	}
	if chunkSize <= 0 {
		chunkSize = len(records)
	}

	for start, index := 0, 0; start < len(records); start, index = start+chunkSize, index+1 {
		end := min(start+chunkSize, len(records))
		chunk := records[start:end]
		report.Chunks++

		res, err := u.writer.WriteChunk(ctx, entity, chunk)
		if err == nil {
			report.Inserted += res.Inserted
			report.Updated += res.Updated
			continue
		}

		metrics.ChunkFailures.WithLabelValues(entity.Name).Inc()
		u.logger.Warn().Err(err).
			Str("entity", entity.Name).
			Int("chunk", index).
			Int("records", len(chunk)).
			Msg("chunk failed")

		if u.opts.IsolateFailures && len(chunk) > 1 && ctx.Err() == nil {
			u.isolate(ctx, entity, index, chunk, &report)
			continue
		}
		report.Failed += len(chunk)
		report.FailedChunks = append(report.FailedChunks, &ChunkError{Entity: entity.Name, Index: index, Keys: keys(chunk), Err: err})
	}

	metrics.RecordsUpserted.WithLabelValues(entity.Name, "inserted").Add(float64(report.Inserted))
	metrics.RecordsUpserted.WithLabelValues(entity.Name, "updated").Add(float64(report.Updated))
	metrics.RecordsUpserted.WithLabelValues(entity.Name, "failed").Add(float64(report.Failed))
	return report
}

// isolate retries the halves of a failed chunk until single failing records remain.
func (u *Upserter) isolate(ctx context.Context, entity Entity, index int, chunk []Record, report *UpsertReport) {
	mid := len(chunk) / 2
	for _, half := range [][]Record{chunk[:mid], chunk[mid:]} {
		res, err := u.writer.WriteChunk(ctx, entity, half)
		switch {
		case err == nil:
			report.Inserted += res.Inserted
			report.Updated += res.Updated
		case len(half) > 1 && ctx.Err() == nil:
			u.isolate(ctx, entity, index, half, report)
		default:
			report.Failed += len(half)
			report.FailedChunks = append(report.FailedChunks, &ChunkError{Entity: entity.Name, Index: index, Keys: keys(half), Err: err})
			if len(half) == 1 {
				u.logger.Warn().Err(err).Str("entity", entity.Name).Str("id", half[0].Key()).Msg("record failed")
			}
		}
	}
}

// dedupe keeps the last occurrence of every key, at the position of its first occurrence.
func dedupe(records []Record) []Record {
	pos := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if i, ok := pos[rec.Key()]; ok {
			out[i] = rec
			continue
		}
		pos[rec.Key()] = len(out)
		out = append(out, rec)
	}
	return out
}

func keys(records []Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Key()
	}
	return out
}
