package store

import "github.com/amora-app/amora-go/internal/api"

// UpsertCall inserts or updates a call history row (idempotent on id).
func (db *DB) UpsertCall(call *api.Call) error {
	var start, end int64
	if call.StartTime != nil {
		start = call.StartTime.UnixMilli()
	}
	if call.EndTime != nil {
		end = call.EndTime.UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO calls (id, caller_id, receiver_id, call_type, status, start_time, end_time, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration = excluded.duration`,
		call.ID, call.CallerID, call.ReceiverID, string(call.Type), string(call.Status), start, end, call.Duration)
	return err
}

// ListCalls returns cached call history, most recent first.
func (db *DB) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, caller_id, receiver_id, call_type, status, start_time, end_time, duration
		FROM calls
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []CallRecord
	for rows.Next() {
		var c CallRecord
		if err := rows.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &c.CallType, &c.Status, &c.StartTime, &c.EndTime, &c.Duration); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
