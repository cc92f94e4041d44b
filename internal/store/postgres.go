package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dial0ut/nymstr-group/internal/dbx"
	"github.com/dial0ut/nymstr-group/internal/store/migrations"
)

// Postgres implements Store on a PostgreSQL database via the pgx stdlib
// driver. Duplicate inserts are absorbed with ON CONFLICT DO NOTHING and
// reported through the affected-row count.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database and runs the embedded migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.RunMigrations(context.Background()); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return p, nil
}

func (p *Postgres) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.UpContext(ctx, p.db, "."); err != nil {
		return err
	}

	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) User(ctx context.Context, username string) (*User, error) {
	query := `SELECT username, public_key, sender_tag FROM users WHERE username = $1`

	u := &User{}
	err := p.db.QueryRowContext(ctx, query, username).Scan(&u.Username, &u.PublicKey, &u.SenderTag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	return u, nil
}

func (p *Postgres) UserByTag(ctx context.Context, tag string) (*User, error) {
	if tag == "" {
		return nil, ErrNotFound
	}

	query := `SELECT username, public_key, sender_tag FROM users WHERE sender_tag = $1`

	u := &User{}
	err := p.db.QueryRowContext(ctx, query, tag).Scan(&u.Username, &u.PublicKey, &u.SenderTag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	return u, nil
}

func (p *Postgres) AddUser(ctx context.Context, username, publicKey, tag string) (bool, error) {
	query := `INSERT INTO users (username, public_key, sender_tag)
	          VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, username, publicKey, tag)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) BindTag(ctx context.Context, username, tag string) (bool, error) {
	query := `UPDATE users SET sender_tag = $2 WHERE username = $1`

	res, err := p.db.ExecContext(ctx, query, username, tag)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) AddPendingUser(ctx context.Context, username, publicKey string) (bool, error) {
	query := `INSERT INTO pending_users (username, public_key)
	          VALUES ($1, $2) ON CONFLICT DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, username, publicKey)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) PendingUser(ctx context.Context, username string) (*PendingUser, error) {
	query := `SELECT username, public_key FROM pending_users WHERE username = $1`

	pu := &PendingUser{}
	err := p.db.QueryRowContext(ctx, query, username).Scan(&pu.Username, &pu.PublicKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	return pu, nil
}

func (p *Postgres) RemovePendingUser(ctx context.Context, username string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM pending_users WHERE username = $1`, username)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

// PromotePendingUser moves a row from pending_users into users inside one
// transaction, so a concurrent lookup never observes both absent.
func (p *Postgres) PromotePendingUser(ctx context.Context, username, tag string) (bool, error) {
	ok := false
	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var publicKey string
		err := tx.QueryRowContext(ctx,
			`SELECT public_key FROM pending_users WHERE username = $1`, username).Scan(&publicKey)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, public_key, sender_tag)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, username, publicKey, tag)
		if err != nil {
			return err
		}
		inserted, err := affected(res)
		if err != nil || !inserted {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_users WHERE username = $1`, username); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error promoting pending user: %w", err)
	}
	return ok, nil
}

func (p *Postgres) CreateGroup(ctx context.Context, g *Group) (bool, error) {
	query := `INSERT INTO groups (group_id, group_name, admin, is_public, is_discoverable)
	          VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, g.ID, g.Name, g.Admin, g.IsPublic, g.IsDiscoverable)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) Group(ctx context.Context, groupID string) (*Group, error) {
	query := `SELECT group_id, group_name, admin, is_public, is_discoverable
	          FROM groups WHERE group_id = $1`

	g := &Group{}
	err := p.db.QueryRowContext(ctx, query, groupID).
		Scan(&g.ID, &g.Name, &g.Admin, &g.IsPublic, &g.IsDiscoverable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	return g, nil
}

func (p *Postgres) AddMember(ctx context.Context, groupID, username string) (bool, error) {
	query := `INSERT INTO group_members (group_id, username)
	          VALUES ($1, $2) ON CONFLICT DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, groupID, username)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) IsMember(ctx context.Context, groupID, username string) (bool, error) {
	return p.exists(ctx,
		`SELECT 1 FROM group_members WHERE group_id = $1 AND username = $2`, groupID, username)
}

func (p *Postgres) Members(ctx context.Context, groupID string) ([]string, error) {
	return p.column(ctx,
		`SELECT username FROM group_members WHERE group_id = $1`, groupID)
}

func (p *Postgres) GroupsFor(ctx context.Context, username string) ([]string, error) {
	return p.column(ctx,
		`SELECT group_id FROM group_members WHERE username = $1`, username)
}

func (p *Postgres) IsAdmin(ctx context.Context, groupID, username string) (bool, error) {
	return p.exists(ctx,
		`SELECT 1 FROM groups WHERE group_id = $1 AND admin = $2`, groupID, username)
}

func (p *Postgres) AddInvite(ctx context.Context, groupID, username string) (bool, error) {
	query := `INSERT INTO group_invites (group_id, username)
	          VALUES ($1, $2) ON CONFLICT DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, groupID, username)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) RemoveInvite(ctx context.Context, groupID, username string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM group_invites WHERE group_id = $1 AND username = $2`, groupID, username)
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected(res)
}

func (p *Postgres) IsInvited(ctx context.Context, groupID, username string) (bool, error) {
	return p.exists(ctx,
		`SELECT 1 FROM group_invites WHERE group_id = $1 AND username = $2`, groupID, username)
}

// ApproveInvite deletes the invite and inserts the membership in one
// transaction; either both take effect or neither does.
func (p *Postgres) ApproveInvite(ctx context.Context, groupID, username string) (bool, error) {
	ok := false
	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM group_invites WHERE group_id = $1 AND username = $2`, groupID, username)
		if err != nil {
			return err
		}
		deleted, err := affected(res)
		if err != nil || !deleted {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, username)
			 VALUES ($1, $2) ON CONFLICT DO NOTHING`, groupID, username); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error approving invite: %w", err)
	}
	return ok, nil
}

func (p *Postgres) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return true, nil
}

func (p *Postgres) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
