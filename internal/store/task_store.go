package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Statuses   []model.TaskStatus
	Actions    []model.TaskAction
	InstanceID string
	UserID     string
	Limit      int
	Offset     int
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var raw []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var t model.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTask upserts a task snapshot. Non-terminal writes are best effort;
// callers on the hot path fire them asynchronously.
func (s *Store) SaveTask(ctx context.Context, t *model.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO tasks (id, instance_id, status, action, submit_time, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET instance_id = EXCLUDED.instance_id,
		     status = EXCLUDED.status,
		     action = EXCLUDED.action,
		     data = EXCLUDED.data,
		     updated_at = NOW()`,
		t.ID, t.InstanceID, string(t.Status), string(t.Action), t.SubmitTime, raw,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// SaveTaskFinal persists a terminal task state. Terminal writes must be
// durable before the callback fires, so it retries before giving up.
func (s *Store) SaveTaskFinal(ctx context.Context, t *model.Task) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.SaveTask(ctx, t); err == nil {
			return nil
		}
		s.log.Warn("task_final_write_retry",
			"task_id", t.ID,
			"attempt", attempt+1,
			"error", err,
		)
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return err
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*model.Task, error) {
	query := `SELECT data FROM tasks`
	var conds []string
	var args []any

	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		ss := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ss[i] = string(st)
		}
		conds = append(conds, `status = ANY(`+addArg(ss)+`)`)
	}
	if len(filter.Actions) > 0 {
		as := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			as[i] = string(a)
		}
		conds = append(conds, `action = ANY(`+addArg(as)+`)`)
	}
	if filter.InstanceID != "" {
		conds = append(conds, `instance_id = `+addArg(filter.InstanceID))
	}
	if filter.UserID != "" {
		conds = append(conds, `data->>'user_id' = `+addArg(filter.UserID))
	}

	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY submit_time DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + addArg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + addArg(filter.Offset)
	}

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var t model.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			s.log.Warn("task_decode_failed", "error", err)
			continue
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}
