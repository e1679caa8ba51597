package store

import (
	"context"
	"encoding/json"
	"fmt"
)

func (s *Store) CreateMonitor(ctx context.Context, owner, deviceID string) (*Monitor, error) {
	// the device must belong to the same tenant
	if _, err := s.DeviceByID(ctx, owner, deviceID); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO monitors (device_id, owner_id) VALUES ($1, $2) RETURNING id`,
		deviceID, owner)
	m := &Monitor{DeviceID: deviceID, OwnerID: owner}
	if err := row.Scan(&m.ID); err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

// MonitorWithSensors is the monitors listing shape: one device plus its
// sensors.
type MonitorWithSensors struct {
	Monitor
	DeviceName string   `json:"device_name"`
	DeviceIP   string   `json:"device_ip"`
	Sensors    []Sensor `json:"sensors"`
}

func (s *Store) ListMonitorsWithSensors(ctx context.Context, owner string) ([]MonitorWithSensors, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.device_id, m.owner_id, d.client_name, d.ip_address
		 FROM monitors m JOIN devices d ON d.id = m.device_id
		 WHERE m.owner_id = $1 ORDER BY m.id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MonitorWithSensors
	byID := make(map[int64]int)
	for rows.Next() {
		var m MonitorWithSensors
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.OwnerID, &m.DeviceName, &m.DeviceIP); err != nil {
			return nil, err
		}
		m.Sensors = []Sensor{}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := s.pool.Query(ctx,
		`SELECT id, monitor_id, sensor_type, name, config, owner_id
		 FROM sensors WHERE owner_id = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var sn Sensor
		if err := srows.Scan(&sn.ID, &sn.MonitorID, &sn.SensorType, &sn.Name, &sn.Config, &sn.OwnerID); err != nil {
			return nil, err
		}
		if idx, ok := byID[sn.MonitorID]; ok {
			out[idx].Sensors = append(out[idx].Sensors, sn)
		}
	}
	return out, srows.Err()
}

func (s *Store) DeleteMonitor(ctx context.Context, owner string, id int64) ([]int64, error) {
	// collect sensor ids first so the scheduler can cancel their workers
	sensorIDs, err := s.sensorIDsForMonitor(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM monitors WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("monitor %d: %w", id, ErrNotFound)
	}
	return sensorIDs, nil
}

func (s *Store) sensorIDsForMonitor(ctx context.Context, owner string, monitorID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM sensors WHERE monitor_id = $1 AND owner_id = $2`, monitorID, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CreateSensor(ctx context.Context, owner string, monitorID int64, sensorType, name string, config json.RawMessage) (*Sensor, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sensors (monitor_id, sensor_type, name, config, owner_id)
		 SELECT $1, $2, $3, $4, $5
		 WHERE EXISTS (SELECT 1 FROM monitors WHERE id = $1 AND owner_id = $5)
		 RETURNING id`,
		monitorID, sensorType, name, config, owner)
	sn := &Sensor{MonitorID: monitorID, SensorType: sensorType, Name: name, Config: config, OwnerID: owner}
	if err := row.Scan(&sn.ID); err != nil {
		return nil, mapErr(err)
	}
	return sn, nil
}

func (s *Store) UpdateSensor(ctx context.Context, owner string, id int64, name string, config json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sensors SET name = $3, config = $4 WHERE id = $1 AND owner_id = $2`,
		id, owner, name, config)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sensor %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSensor(ctx context.Context, owner string, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sensors WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sensor %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) SensorByID(ctx context.Context, owner string, id int64) (*Sensor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, monitor_id, sensor_type, name, config, owner_id
		 FROM sensors WHERE id = $1 AND owner_id = $2`, id, owner)
	var sn Sensor
	if err := row.Scan(&sn.ID, &sn.MonitorID, &sn.SensorType, &sn.Name, &sn.Config, &sn.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	return &sn, nil
}

// SensorRuntime is everything a worker needs to run one sensor: the sensor
// row plus its device.
type SensorRuntime struct {
	Sensor
	Device Device
}

func (s *Store) sensorRuntimeQuery(ctx context.Context, where string, args ...any) ([]SensorRuntime, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.monitor_id, s.sensor_type, s.name, s.config, s.owner_id, `+deviceColumns2+`
		 FROM sensors s
		 JOIN monitors m ON m.id = s.monitor_id
		 JOIN devices d ON d.id = m.device_id `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SensorRuntime
	for rows.Next() {
		var r SensorRuntime
		err := rows.Scan(&r.ID, &r.MonitorID, &r.SensorType, &r.Name, &r.Config, &r.OwnerID,
			&r.Device.ID, &r.Device.ClientName, &r.Device.IPAddress, &r.Device.Node, &r.Device.MAC,
			&r.Device.Status, &r.Device.CredentialID, &r.Device.IsMaestro, &r.Device.MaestroID,
			&r.Device.VPNProfileID, &r.Device.OwnerID, &r.Device.LastAuthOK, &r.Device.LastAuthFail,
			&r.Device.RotationsCount, &r.Device.WGAddress)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// deviceColumns2 is deviceColumns with the d. qualifier for joins.
const deviceColumns2 = `d.id, d.client_name, d.ip_address, COALESCE(d.node,''), COALESCE(d.mac,''), COALESCE(d.status,''),
	d.credential_id, d.is_maestro, d.maestro_id, d.vpn_profile_id, d.owner_id,
	d.last_auth_ok, d.last_auth_fail, COALESCE(d.rotations_count,0), d.wg_address`

// AllSensorRuntimes feeds the scheduler at startup.
func (s *Store) AllSensorRuntimes(ctx context.Context) ([]SensorRuntime, error) {
	return s.sensorRuntimeQuery(ctx, ``)
}

// SensorRuntimeByID is unscoped; the scheduler uses it when respawning.
func (s *Store) SensorRuntimeByID(ctx context.Context, id int64) (*SensorRuntime, error) {
	out, err := s.sensorRuntimeQuery(ctx, `WHERE s.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sensor %d: %w", id, ErrNotFound)
	}
	return &out[0], nil
}

// SensorIDsForDevice lists sensors attached to a device's monitor, for
// cancellation on device delete.
func (s *Store) SensorIDsForDevice(ctx context.Context, owner, deviceID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id FROM sensors s
		 JOIN monitors m ON m.id = s.monitor_id
		 WHERE m.device_id = $1 AND s.owner_id = $2`, deviceID, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SensorsByOwner is the WebSocket initial-batch source.
func (s *Store) SensorsByOwner(ctx context.Context, owner string) ([]Sensor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, monitor_id, sensor_type, name, config, owner_id
		 FROM sensors WHERE owner_id = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sensor
	for rows.Next() {
		var sn Sensor
		if err := rows.Scan(&sn.ID, &sn.MonitorID, &sn.SensorType, &sn.Name, &sn.Config, &sn.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
