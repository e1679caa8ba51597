package store

import (
	"context"
	"encoding/json"
	"fmt"
)

func (s *Store) CreateChannel(ctx context.Context, owner, name, channelType string, config json.RawMessage) (*NotificationChannel, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO notification_channels (name, type, config, owner_id)
		 VALUES ($1,$2,$3,$4) RETURNING id`,
		name, channelType, config, owner)
	ch := &NotificationChannel{Name: name, Type: channelType, Config: config, OwnerID: owner}
	if err := row.Scan(&ch.ID); err != nil {
		return nil, mapErr(err)
	}
	return ch, nil
}

func (s *Store) ListChannels(ctx context.Context, owner string) ([]NotificationChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, config, owner_id FROM notification_channels
		 WHERE owner_id = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NotificationChannel
	for rows.Next() {
		var ch NotificationChannel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.Config, &ch.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) ChannelByID(ctx context.Context, owner string, id int64) (*NotificationChannel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, type, config, owner_id FROM notification_channels
		 WHERE id = $1 AND owner_id = $2`, id, owner)
	var ch NotificationChannel
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.Config, &ch.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	return &ch, nil
}

func (s *Store) DeleteChannel(ctx context.Context, owner string, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notification_channels WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) InsertAlertHistory(ctx context.Context, e *AlertHistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_history (sensor_id, channel_id, timestamp, details) VALUES ($1,$2,$3,$4)`,
		e.SensorID, e.ChannelID, e.Timestamp, e.Details)
	return err
}

// ListAlertHistory joins through sensors so only the tenant's alerts are
// visible.
func (s *Store) ListAlertHistory(ctx context.Context, owner string, limit int) ([]AlertHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT h.id, h.sensor_id, h.channel_id, h.timestamp, h.details
		 FROM alert_history h
		 JOIN sensors s ON s.id = h.sensor_id
		 WHERE s.owner_id = $1
		 ORDER BY h.timestamp DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AlertHistoryEntry
	for rows.Next() {
		var e AlertHistoryEntry
		if err := rows.Scan(&e.ID, &e.SensorID, &e.ChannelID, &e.Timestamp, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
