package db

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/gesture.capture/internal/sample"
)

// SampleSink stores a stream's samples in the samples table. It numbers rows
// from 1 in the order they are written. Closing it leaves the database open.
type SampleSink struct {
	db      *DB
	session string
	stream  string
	seq     int64
}

// NewSampleSink returns a sink for one stream of a session.
func (db *DB) NewSampleSink(session, stream string) *SampleSink {
	return &SampleSink{db: db, session: session, stream: stream}
}

// WriteBatch inserts the batch in one transaction.
func (s *SampleSink) WriteBatch(batch []sample.Sample) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO samples
		(session_id, stream, seq, capture_unix_nanos, device_time, action_label, values_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	seq := s.seq
	for _, smp := range batch {
		values, err := json.Marshal(smp.Values)
		if err != nil {
			return err
		}
		var deviceTime, label any
		if smp.HasDeviceTime {
			deviceTime = int64(smp.DeviceTime)
		}
		if smp.HasActionLabel {
			label = smp.ActionLabel
		}
		seq++
		if _, err := stmt.Exec(s.session, s.stream, seq, smp.CaptureTime.UnixNano(), deviceTime, label, string(values)); err != nil {
			return fmt.Errorf("insert %s sample %d: %w", s.stream, seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *SampleSink) Close() error { return nil }

// CountSamples returns how many samples a stream of a session holds.
func (db *DB) CountSamples(session, stream string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM samples WHERE session_id = ? AND stream = ?`, session, stream).Scan(&n)
	return n, err
}
