package store

import (
	"context"
	"fmt"
	"time"
)

// bucketLadder holds the allowed aggregation bucket sizes in seconds:
// 1m, 5m, 15m, 1h, 6h, 1d.
var bucketLadder = []int{60, 300, 900, 3600, 21600, 86400}

// ChooseBucketSeconds picks the bucket size keeping roughly maxPoints
// buckets over the window, snapped up to the ladder.
func ChooseBucketSeconds(start, end time.Time, maxPoints int) int {
	windowSecs := int(end.Sub(start).Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}
	if maxPoints < 1 {
		maxPoints = 1
	}
	raw := (windowSecs + maxPoints - 1) / maxPoints
	if raw < 1 {
		raw = 1
	}
	for _, b := range bucketLadder {
		if raw <= b {
			return b
		}
	}
	return bucketLadder[len(bucketLadder)-1]
}

// HistoryItem is one point of a sensor history response. Fields are
// type-dependent: ping uses LatencyMS, ethernet uses the bitrates/speed.
type HistoryItem struct {
	Timestamp time.Time `json:"timestamp"`
	LatencyMS *float64  `json:"latency_ms,omitempty"`
	RxBitrate *float64  `json:"rx_bitrate,omitempty"`
	TxBitrate *float64  `json:"tx_bitrate,omitempty"`
	Status    string    `json:"status"`
	Speed     *string   `json:"speed,omitempty"`
}

// HistoryMeta describes how a window response was produced.
type HistoryMeta struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	BucketSeconds int       `json:"bucket_seconds"`
	RowsReturned  int       `json:"rows_returned"`
	Mode          string    `json:"mode"`
}

// sensorTypeScoped resolves the sensor's type while proving ownership via
// the devices join.
func (s *Store) sensorTypeScoped(ctx context.Context, owner string, sensorID int64) (string, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT s.sensor_type
		 FROM sensors s
		 JOIN monitors m ON m.id = s.monitor_id
		 JOIN devices d ON d.id = m.device_id
		 WHERE s.id = $1 AND d.owner_id = $2`, sensorID, owner)
	var t string
	if err := row.Scan(&t); err != nil {
		return "", mapErr(err)
	}
	return t, nil
}

// HistoryRange returns raw rows for a named range (1h, 12h, 24h, 7d, 30d).
func (s *Store) HistoryRange(ctx context.Context, owner string, sensorID int64, timeRange string, now time.Time) ([]HistoryItem, error) {
	windows := map[string]time.Duration{
		"1h":  time.Hour,
		"12h": 12 * time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
	}
	window, ok := windows[timeRange]
	if !ok {
		return nil, fmt.Errorf("invalid time_range %q", timeRange)
	}
	items, _, err := s.HistoryWindow(ctx, owner, sensorID, now.Add(-window), now, 0, "raw")
	return items, err
}

// HistoryWindow returns sensor history between start and end. In auto mode
// rows are averaged into uniform time buckets; raw mode returns them
// untransformed.
func (s *Store) HistoryWindow(ctx context.Context, owner string, sensorID int64, start, end time.Time, maxPoints int, mode string) ([]HistoryItem, *HistoryMeta, error) {
	sensorType, err := s.sensorTypeScoped(ctx, owner, sensorID)
	if err != nil {
		return nil, nil, err
	}
	if maxPoints <= 0 {
		maxPoints = 2000
	}

	meta := &HistoryMeta{From: start, To: end, Mode: "raw"}
	var items []HistoryItem
	if mode == "raw" {
		items, err = s.historyRaw(ctx, sensorType, sensorID, start, end)
	} else {
		meta.Mode = "aggregated"
		meta.BucketSeconds = ChooseBucketSeconds(start, end, maxPoints)
		items, err = s.historyBucketed(ctx, sensorType, sensorID, start, end, meta.BucketSeconds)
	}
	if err != nil {
		return nil, nil, err
	}
	meta.RowsReturned = len(items)
	return items, meta, nil
}

func (s *Store) historyRaw(ctx context.Context, sensorType string, sensorID int64, start, end time.Time) ([]HistoryItem, error) {
	items := []HistoryItem{}
	switch sensorType {
	case "ping":
		rows, err := s.pool.Query(ctx,
			`SELECT timestamp, latency_ms::float8, status FROM ping_results
			 WHERE sensor_id = $1 AND timestamp BETWEEN $2 AND $3 ORDER BY timestamp ASC`,
			sensorID, start, end)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var it HistoryItem
			if err := rows.Scan(&it.Timestamp, &it.LatencyMS, &it.Status); err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		return items, rows.Err()
	case "ethernet":
		rows, err := s.pool.Query(ctx,
			`SELECT timestamp,
			        COALESCE(NULLIF(rx_bitrate,'')::float8, 0),
			        COALESCE(NULLIF(tx_bitrate,'')::float8, 0),
			        status, speed
			 FROM ethernet_results
			 WHERE sensor_id = $1 AND timestamp BETWEEN $2 AND $3 ORDER BY timestamp ASC`,
			sensorID, start, end)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var it HistoryItem
			if err := rows.Scan(&it.Timestamp, &it.RxBitrate, &it.TxBitrate, &it.Status, &it.Speed); err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		return items, rows.Err()
	}
	return items, nil
}

func (s *Store) historyBucketed(ctx context.Context, sensorType string, sensorID int64, start, end time.Time, bucket int) ([]HistoryItem, error) {
	items := []HistoryItem{}
	switch sensorType {
	case "ping":
		rows, err := s.pool.Query(ctx,
			`WITH buckets AS (
			   SELECT to_timestamp(floor(extract(epoch from timestamp)/$4)*$4) AS ts,
			          latency_ms, status, timestamp
			   FROM ping_results
			   WHERE sensor_id = $1 AND timestamp BETWEEN $2 AND $3
			 )
			 SELECT ts,
			        AVG(latency_ms)::float8,
			        (ARRAY_AGG(status ORDER BY timestamp DESC))[1]
			 FROM buckets GROUP BY ts ORDER BY ts ASC`,
			sensorID, start, end, bucket)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var it HistoryItem
			if err := rows.Scan(&it.Timestamp, &it.LatencyMS, &it.Status); err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		return items, rows.Err()
	case "ethernet":
		rows, err := s.pool.Query(ctx,
			`WITH buckets AS (
			   SELECT to_timestamp(floor(extract(epoch from timestamp)/$4)*$4) AS ts,
			          COALESCE(NULLIF(rx_bitrate,'')::bigint, 0) AS rx,
			          COALESCE(NULLIF(tx_bitrate,'')::bigint, 0) AS tx,
			          status, speed, timestamp
			   FROM ethernet_results
			   WHERE sensor_id = $1 AND timestamp BETWEEN $2 AND $3
			 )
			 SELECT ts,
			        AVG(rx)::float8, AVG(tx)::float8,
			        (ARRAY_AGG(status ORDER BY timestamp DESC))[1],
			        (ARRAY_AGG(speed ORDER BY timestamp DESC))[1]
			 FROM buckets GROUP BY ts ORDER BY ts ASC`,
			sensorID, start, end, bucket)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var it HistoryItem
			if err := rows.Scan(&it.Timestamp, &it.RxBitrate, &it.TxBitrate, &it.Status, &it.Speed); err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		return items, rows.Err()
	}
	return items, nil
}
