package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshrelay/meshrelay/internal/domain"
)

// NameRepo is the device id to display name cache. Last write wins.
type NameRepo struct {
	db *sql.DB
}

var _ domain.NameCache = (*NameRepo)(nil)

func NewNameRepo(db *sql.DB) *NameRepo {
	return &NameRepo{db: db}
}

func (r *NameRepo) GetLongname(ctx context.Context, nodeID string) (string, bool, error) {
	return r.get(ctx, `SELECT longname FROM longnames WHERE meshtastic_id = ?`, nodeID)
}

func (r *NameRepo) GetShortname(ctx context.Context, nodeID string) (string, bool, error) {
	return r.get(ctx, `SELECT shortname FROM shortnames WHERE meshtastic_id = ?`, nodeID)
}

func (r *NameRepo) SaveLongname(ctx context.Context, nodeID, name string) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO longnames (meshtastic_id, longname) VALUES (?, ?)`, nodeID, name)
	if err != nil {
		return fmt.Errorf("save longname: %w", err)
	}

	return nil
}

func (r *NameRepo) SaveShortname(ctx context.Context, nodeID, name string) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO shortnames (meshtastic_id, shortname) VALUES (?, ?)`, nodeID, name)
	if err != nil {
		return fmt.Errorf("save shortname: %w", err)
	}

	return nil
}

// SaveNode stores both names of a node in one transaction. Empty names are
// skipped so a sparse update does not erase a known name.
func (r *NameRepo) SaveNode(ctx context.Context, n domain.Node) error {
	nodeID := domain.NormalizeNodeID(n.NodeID)
	if nodeID == "" {
		return fmt.Errorf("save node: empty node id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save node tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if n.LongName != "" {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO longnames (meshtastic_id, longname) VALUES (?, ?)`, nodeID, n.LongName); err != nil {
			return fmt.Errorf("save longname: %w", err)
		}
	}
	if n.ShortName != "" {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO shortnames (meshtastic_id, shortname) VALUES (?, ?)`, nodeID, n.ShortName); err != nil {
			return fmt.Errorf("save shortname: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save node tx: %w", err)
	}

	return nil
}

func (r *NameRepo) get(ctx context.Context, query, nodeID string) (string, bool, error) {
	var name sql.NullString
	err := r.db.QueryRowContext(ctx, query, nodeID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup name for %s: %w", nodeID, err)
	}
	if !name.Valid {
		return "", false, nil
	}

	return name.String, true, nil
}
