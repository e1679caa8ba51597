package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return ErrConflict
	}
	return err
}

func (s *Store) CreateCredential(ctx context.Context, owner, name, username, password string) (*Credential, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO credentials (name, username, password, owner_id)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		name, username, password, owner)
	c := &Credential{Name: name, Username: username, Password: password, OwnerID: owner}
	if err := row.Scan(&c.ID); err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, owner string) ([]Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, username, password, owner_id FROM credentials WHERE owner_id = $1 ORDER BY id`,
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.Name, &c.Username, &c.Password, &c.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CredentialByID(ctx context.Context, owner string, id int64) (*Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, username, password, owner_id FROM credentials WHERE id = $1 AND owner_id = $2`,
		id, owner)
	var c Credential
	if err := row.Scan(&c.ID, &c.Name, &c.Username, &c.Password, &c.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, owner string, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM credentials WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeviceCredential resolves the login currently assigned to a device by
// IP. Used by the RouterOS session pool.
func (s *Store) DeviceCredential(ctx context.Context, ip string) (string, string, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT c.username, c.password
		 FROM devices d JOIN credentials c ON c.id = d.credential_id
		 WHERE d.ip_address = $1`, ip)
	var user, pass string
	if err := row.Scan(&user, &pass); err != nil {
		return "", "", mapErr(err)
	}
	return user, pass, nil
}
