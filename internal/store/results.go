package store

import (
	"context"
)

func (s *Store) InsertPingResult(ctx context.Context, r *PingResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ping_results (sensor_id, timestamp, latency_ms, status) VALUES ($1,$2,$3,$4)`,
		r.SensorID, r.Timestamp, r.LatencyMS, r.Status)
	return err
}

func (s *Store) InsertEthernetResult(ctx context.Context, r *EthernetResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ethernet_results (sensor_id, timestamp, status, speed, rx_bitrate, tx_bitrate)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		r.SensorID, r.Timestamp, r.Status, r.Speed, r.RxBitrate, r.TxBitrate)
	return err
}

func (s *Store) LatestPingResult(ctx context.Context, sensorID int64) (*PingResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT sensor_id, timestamp, latency_ms, status FROM ping_results
		 WHERE sensor_id = $1 ORDER BY timestamp DESC LIMIT 1`, sensorID)
	var r PingResult
	if err := row.Scan(&r.SensorID, &r.Timestamp, &r.LatencyMS, &r.Status); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Store) LatestEthernetResult(ctx context.Context, sensorID int64) (*EthernetResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT sensor_id, timestamp, status, COALESCE(speed,''), COALESCE(rx_bitrate,''), COALESCE(tx_bitrate,'')
		 FROM ethernet_results WHERE sensor_id = $1 ORDER BY timestamp DESC LIMIT 1`, sensorID)
	var r EthernetResult
	if err := row.Scan(&r.SensorID, &r.Timestamp, &r.Status, &r.Speed, &r.RxBitrate, &r.TxBitrate); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}
