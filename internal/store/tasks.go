package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cascade/api/internal/util"
)

// ApproveTask records one approver's sign-off on a task and, when that makes the
// task fully approved, marks it done and promotes any dependents whose entire
// dependency set is now done. Everything happens in a single transaction: an
// observer never sees a task done without its dependents re-evaluated.
//
// The task row is locked FOR UPDATE for the whole transaction, so two concurrent
// approvals on the same task serialize instead of both computing "not yet fully
// approved" and racing the status flip.
func (s *PostgresStore) ApproveTask(ctx context.Context, taskID, userID string) (ApprovalResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockTaskStatus(ctx, tx, taskID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if status == StatusDone {
		return ApprovalResult{}, ErrTaskFinalized
	}
	if status != StatusWorking {
		return ApprovalResult{}, ErrTaskNotWorking
	}

	var role string
	var approved bool
	err = tx.QueryRowContext(ctx, `
		SELECT role, approved FROM task_assignments
		WHERE task_id=$1 AND user_id=$2
		FOR UPDATE
	`, taskID, userID).Scan(&role, &approved)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalResult{}, ErrAssignmentNotFound
	}
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("lock assignment: %w", err)
	}
	if role != RoleApprover {
		return ApprovalResult{}, ErrNotApprover
	}
	if approved {
		return ApprovalResult{}, ErrAlreadyApproved
	}

	var unmetDependencies int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.depends_on_id
		WHERE d.task_id=$1 AND t.status <> 'done'
	`, taskID).Scan(&unmetDependencies)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("count unmet dependencies: %w", err)
	}
	if unmetDependencies > 0 {
		return ApprovalResult{}, ErrBlockedByDependencies
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_assignments SET approved=TRUE, updated_at=NOW()
		WHERE task_id=$1 AND user_id=$2
	`, taskID, userID); err != nil {
		return ApprovalResult{}, fmt.Errorf("set approved: %w", err)
	}

	// Fully approved iff at least one approver exists and none is still pending.
	var approverCount, approvedCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE approved)
		FROM task_assignments
		WHERE task_id=$1 AND role='approver'
	`, taskID).Scan(&approverCount, &approvedCount)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("count approvals: %w", err)
	}

	result := ApprovalResult{Unlocked: []string{}}
	if approverCount > 0 && approverCount == approvedCount {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status='done', updated_at=NOW() WHERE id=$1
		`, taskID); err != nil {
			return ApprovalResult{}, fmt.Errorf("mark task done: %w", err)
		}
		result.TaskMarkedDone = true

		unlocked, err := promoteUnblockedDependents(ctx, tx, taskID)
		if err != nil {
			return ApprovalResult{}, err
		}
		result.Unlocked = unlocked
	}

	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, fmt.Errorf("commit approve tx: %w", err)
	}
	return result, nil
}

// promoteUnblockedDependents scans tasks that depend on the newly-done task and
// are still pending, and promotes each to working only if every one of its
// dependencies (not just this one) is done. A task with several upstreams
// completing in separate transactions is only unlocked by the last of them.
func promoteUnblockedDependents(ctx context.Context, tx *sql.Tx, doneTaskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on_id=$1 AND t.status = 'pending'
		ORDER BY t.id ASC
		FOR UPDATE OF t
	`, doneTaskID)
	if err != nil {
		return nil, fmt.Errorf("lock pending dependents: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependents: %w", err)
	}

	unlocked := []string{}
	for _, id := range candidates {
		var unmet int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM task_dependencies d
			JOIN tasks t ON t.id = d.depends_on_id
			WHERE d.task_id=$1 AND t.status <> 'done'
		`, id).Scan(&unmet)
		if err != nil {
			return nil, fmt.Errorf("count dependent's unmet dependencies: %w", err)
		}
		if unmet > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status='working', updated_at=NOW() WHERE id=$1
		`, id); err != nil {
			return nil, fmt.Errorf("promote dependent: %w", err)
		}
		unlocked = append(unlocked, id)
	}
	return unlocked, nil
}

// RevokeApproval clears the caller's approval flag. Only allowed while the task
// is still working; a done task stays done and already-unlocked dependents keep
// their status (one-way door). Revoking an already-revoked approval is a no-op.
func (s *PostgresStore) RevokeApproval(ctx context.Context, taskID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockTaskStatus(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if status == StatusDone {
		return ErrTaskFinalized
	}
	if status != StatusWorking {
		return ErrTaskNotWorking
	}

	var role string
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM task_assignments
		WHERE task_id=$1 AND user_id=$2
		FOR UPDATE
	`, taskID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAssignmentNotFound
	}
	if err != nil {
		return fmt.Errorf("lock assignment: %w", err)
	}
	if role != RoleApprover {
		return ErrNotApprover
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_assignments SET approved=FALSE, updated_at=NOW()
		WHERE task_id=$1 AND user_id=$2 AND approved
	`, taskID, userID); err != nil {
		return fmt.Errorf("clear approved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke tx: %w", err)
	}
	return nil
}

func lockTaskStatus(ctx context.Context, tx *sql.Tx, taskID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=$1 FOR UPDATE`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", sql.ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("lock task: %w", err)
	}
	return status, nil
}

// CreateChain inserts a chain with its tasks, assignments and dependency edges
// in one transaction. Initial statuses are computed here: tasks with no
// dependencies start working, the rest start pending. Edges must reference
// tasks declared in the same input.
func (s *PostgresStore) CreateChain(ctx context.Context, input ChainInput) (Chain, error) {
	byID := make(map[string]ChainTaskInput, len(input.Tasks))
	for _, task := range input.Tasks {
		if task.ID == "" {
			return Chain{}, fmt.Errorf("task without id")
		}
		if _, dup := byID[task.ID]; dup {
			return Chain{}, fmt.Errorf("duplicate task id %q", task.ID)
		}
		byID[task.ID] = task
	}
	for _, task := range input.Tasks {
		for _, dependsOn := range task.DependsOn {
			if _, ok := byID[dependsOn]; !ok {
				return Chain{}, fmt.Errorf("task %q depends on unknown task %q", task.ID, dependsOn)
			}
			if dependsOn == task.ID {
				return Chain{}, fmt.Errorf("task %q depends on itself", task.ID)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Chain{}, fmt.Errorf("begin chain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chain := Chain{ID: util.NewID("chn"), Name: input.Name, OwnerName: input.OwnerName}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chains (id, name, owner_name)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, chain.ID, chain.Name, chain.OwnerName).Scan(&chain.CreatedAt, &chain.UpdatedAt)
	if err != nil {
		return Chain{}, fmt.Errorf("insert chain: %w", err)
	}

	for _, task := range input.Tasks {
		status := StatusWorking
		if len(task.DependsOn) > 0 {
			status = StatusPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, chain_id, title, status, sort_order)
			VALUES ($1, $2, $3, $4, $5)
		`, task.ID, chain.ID, task.Title, status, task.SortOrder); err != nil {
			return Chain{}, fmt.Errorf("insert task %s: %w", task.ID, err)
		}

		for _, assignment := range task.Assignments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_assignments (task_id, user_id, role)
				VALUES ($1, $2, $3)
				ON CONFLICT (task_id, user_id) DO UPDATE SET role=EXCLUDED.role
			`, task.ID, assignment.UserID, assignment.Role); err != nil {
				return Chain{}, fmt.Errorf("insert assignment %s/%s: %w", task.ID, assignment.UserID, err)
			}
		}
	}

	for _, task := range input.Tasks {
		for _, dependsOn := range task.DependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, task.ID, dependsOn); err != nil {
				return Chain{}, fmt.Errorf("insert dependency %s->%s: %w", task.ID, dependsOn, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Chain{}, fmt.Errorf("commit chain tx: %w", err)
	}
	return chain, nil
}
