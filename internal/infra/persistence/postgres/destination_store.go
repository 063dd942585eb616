package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/takbridge/internal/domain/destination"
)

// DestinationStore persists TAK destination descriptors in PostgreSQL.
type DestinationStore struct {
	pool *pgxpool.Pool
}

var _ destination.Store = (*DestinationStore)(nil)

// NewDestinationStore constructs a DestinationStore backed by the provided pgx pool.
func NewDestinationStore(pool *pgxpool.Pool) *DestinationStore {
	return &DestinationStore{pool: pool}
}

const (
	destinationColumns = `id, name, host, port, transport, verify_peer, enabled, client_cert`

	destinationUpsertSQL = `
INSERT INTO tak_destinations (
    id,
    name,
    host,
    port,
    transport,
    verify_peer,
    enabled,
    client_cert,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    host = EXCLUDED.host,
    port = EXCLUDED.port,
    transport = EXCLUDED.transport,
    verify_peer = EXCLUDED.verify_peer,
    enabled = EXCLUDED.enabled,
    client_cert = EXCLUDED.client_cert,
    updated_at = NOW();
`
	destinationInsertSQL = `
INSERT INTO tak_destinations (id, name, host, port, transport, verify_peer, enabled, client_cert)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
ON CONFLICT (id) DO NOTHING;
`
	destinationListSQL   = `SELECT ` + destinationColumns + ` FROM tak_destinations ORDER BY id;`
	destinationGetSQL    = `SELECT ` + destinationColumns + ` FROM tak_destinations WHERE id = $1;`
	destinationDeleteSQL = `DELETE FROM tak_destinations WHERE id = $1;`
	destinationCountSQL  = `SELECT COUNT(*) FROM tak_destinations;`
)

// certRecord is the JSONB shape of a client certificate bundle. Unlike the
// domain type it keeps the archive password so the bundle stays usable.
type certRecord struct {
	Format   destination.CertFormat `json:"format"`
	Cert     []byte                 `json:"cert,omitempty"`
	Key      []byte                 `json:"key,omitempty"`
	CA       []byte                 `json:"ca,omitempty"`
	P12      []byte                 `json:"p12,omitempty"`
	Password string                 `json:"password,omitempty"`
}

func encodeCert(bundle *destination.CertBundle) ([]byte, error) {
	if bundle == nil {
		return nil, nil
	}
	data, err := json.Marshal(certRecord{
		Format:   bundle.Format,
		Cert:     bundle.Cert,
		Key:      bundle.Key,
		CA:       bundle.CA,
		P12:      bundle.P12,
		Password: bundle.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func decodeCert(raw []byte) (*destination.CertBundle, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rec certRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	return &destination.CertBundle{
		Format:   rec.Format,
		Cert:     rec.Cert,
		Key:      rec.Key,
		CA:       rec.CA,
		P12:      rec.P12,
		Password: rec.Password,
	}, nil
}

func destinationArgs(dest destination.Destination) ([]any, error) {
	dest.Normalise()
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	cert, err := encodeCert(dest.ClientCert)
	if err != nil {
		return nil, fmt.Errorf("marshal client certificate: %w", err)
	}
	return []any{dest.ID, dest.Name, dest.Host, dest.Port, string(dest.Transport), dest.VerifyPeer, dest.Enabled, cert}, nil
}

func scanDestination(row pgx.Row) (destination.Destination, error) {
	var (
		dest      destination.Destination
		transport string
		certBytes []byte
	)
	if err := row.Scan(&dest.ID, &dest.Name, &dest.Host, &dest.Port, &transport, &dest.VerifyPeer, &dest.Enabled, &certBytes); err != nil {
		return destination.Destination{}, err
	}
	dest.Transport = destination.Transport(transport)
	cert, err := decodeCert(certBytes)
	if err != nil {
		return destination.Destination{}, fmt.Errorf("decode client certificate for destination %d: %w", dest.ID, err)
	}
	dest.ClientCert = cert
	return dest, nil
}

// LoadDestinations returns every stored destination ordered by id.
func (s *DestinationStore) LoadDestinations(ctx context.Context) ([]destination.Destination, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("destination store: nil pool")
	}
	rows, err := s.pool.Query(ctx, destinationListSQL)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []destination.Destination
	for rows.Next() {
		dest, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out = append(out, dest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}
	return out, nil
}

// LoadDestination returns the destination with id or destination.ErrNotFound.
func (s *DestinationStore) LoadDestination(ctx context.Context, id int64) (destination.Destination, error) {
	if s.pool == nil {
		return destination.Destination{}, fmt.Errorf("destination store: nil pool")
	}
	dest, err := scanDestination(s.pool.QueryRow(ctx, destinationGetSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return destination.Destination{}, fmt.Errorf("destination %d: %w", id, destination.ErrNotFound)
		}
		return destination.Destination{}, fmt.Errorf("load destination %d: %w", id, err)
	}
	return dest, nil
}

// SaveDestination validates and upserts dest.
func (s *DestinationStore) SaveDestination(ctx context.Context, dest destination.Destination) error {
	if s.pool == nil {
		return fmt.Errorf("destination store: nil pool")
	}
	args, err := destinationArgs(dest)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, destinationUpsertSQL, args...); err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

// DeleteDestination removes id, returning destination.ErrNotFound when absent.
func (s *DestinationStore) DeleteDestination(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("destination store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, destinationDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("delete destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("destination %d: %w", id, destination.ErrNotFound)
	}
	return nil
}

// Seed inserts dests into an empty table inside one transaction and returns the
// number inserted. A table that already holds rows is left untouched.
func (s *DestinationStore) Seed(ctx context.Context, dests []destination.Destination) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("destination store: nil pool")
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.Serializable
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return 0, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing int64
	if err := tx.QueryRow(ctx, destinationCountSQL).Scan(&existing); err != nil {
		return 0, fmt.Errorf("count destinations: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	inserted := 0
	for _, dest := range dests {
		args, err := destinationArgs(dest)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, destinationInsertSQL, args...)
		if err != nil {
			return 0, fmt.Errorf("seed destination %d: %w", dest.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed tx: %w", err)
	}
	return inserted, nil
}
