package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cascade/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{ID: util.NewID("usr"), DisplayName: name}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`, user.ID, user.DisplayName).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListChains(ctx context.Context) ([]Chain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_name, created_at, updated_at
		FROM chains
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	items := make([]Chain, 0)
	for rows.Next() {
		var item Chain
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerName, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChain(ctx context.Context, chainID string) (Chain, error) {
	var item Chain
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_name, created_at, updated_at
		FROM chains
		WHERE id=$1
	`, chainID).Scan(&item.ID, &item.Name, &item.OwnerName, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Chain{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListChainTasks(ctx context.Context, chainID string) ([]TaskDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, title, status, sort_order, created_at, updated_at
		FROM tasks
		WHERE chain_id=$1
		ORDER BY sort_order ASC, created_at ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain tasks: %w", err)
	}
	defer rows.Close()

	items := make([]TaskDetail, 0)
	index := make(map[string]int)
	for rows.Next() {
		var item TaskDetail
		if err := rows.Scan(&item.ID, &item.ChainID, &item.Title, &item.Status, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		item.Assignments = []Assignment{}
		item.DependsOn = []string{}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	assignRows, err := s.db.QueryContext(ctx, `
		SELECT a.task_id, a.user_id, u.display_name, a.role, a.approved, a.updated_at
		FROM task_assignments a
		JOIN tasks t ON t.id = a.task_id
		JOIN users u ON u.id = a.user_id
		WHERE t.chain_id=$1
		ORDER BY a.task_id ASC, a.role ASC, u.display_name ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain assignments: %w", err)
	}
	defer assignRows.Close()

	for assignRows.Next() {
		var a Assignment
		if err := assignRows.Scan(&a.TaskID, &a.UserID, &a.UserName, &a.Role, &a.Approved, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if i, ok := index[a.TaskID]; ok {
			items[i].Assignments = append(items[i].Assignments, a)
		}
	}
	if err := assignRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.chain_id=$1
		ORDER BY d.task_id ASC, d.depends_on_id ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var d Dependency
		if err := depRows.Scan(&d.TaskID, &d.DependsOnID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		if i, ok := index[d.TaskID]; ok {
			items[i].DependsOn = append(items[i].DependsOn, d.DependsOnID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}

	return items, nil
}

func (s *PostgresStore) GetTaskDetail(ctx context.Context, taskID string) (TaskDetail, error) {
	var item TaskDetail
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, title, status, sort_order, created_at, updated_at
		FROM tasks
		WHERE id=$1
	`, taskID).Scan(&item.ID, &item.ChainID, &item.Title, &item.Status, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return TaskDetail{}, err
	}
	item.Assignments = []Assignment{}
	item.DependsOn = []string{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.task_id, a.user_id, u.display_name, a.role, a.approved, a.updated_at
		FROM task_assignments a
		JOIN users u ON u.id = a.user_id
		WHERE a.task_id=$1
		ORDER BY a.role ASC, u.display_name ASC
	`, taskID)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.TaskID, &a.UserID, &a.UserName, &a.Role, &a.Approved, &a.UpdatedAt); err != nil {
			return TaskDetail{}, fmt.Errorf("scan assignment: %w", err)
		}
		item.Assignments = append(item.Assignments, a)
	}
	if err := rows.Err(); err != nil {
		return TaskDetail{}, fmt.Errorf("iterate assignments: %w", err)
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id=$1 ORDER BY depends_on_id ASC
	`, taskID)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("list dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var dependsOn string
		if err := depRows.Scan(&dependsOn); err != nil {
			return TaskDetail{}, fmt.Errorf("scan dependency: %w", err)
		}
		item.DependsOn = append(item.DependsOn, dependsOn)
	}
	if err := depRows.Err(); err != nil {
		return TaskDetail{}, fmt.Errorf("iterate dependencies: %w", err)
	}

	return item, nil
}
