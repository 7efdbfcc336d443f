// Package store is the persistence adapter for the account, task, user
// and banned-word collections. Records live as jsonb documents with a
// few hot columns broken out so that last-writer-wins updates with an
// explicit field mask stay cheap.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/db"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

type Store struct {
	db  *db.DB
	log *slog.Logger
}

func New(log *slog.Logger, dbConn *db.DB) *Store {
	return &Store{db: dbConn, log: log}
}

// hot account columns updatable through a field mask without rewriting
// the whole document
var accountHotColumns = map[string]string{
	"enable":          "enable",
	"disabled_reason": "disabled_reason",
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.DiscordAccount, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT data FROM accounts ORDER BY (data->>'sort')::int NULLS LAST, id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*model.DiscordAccount
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			s.log.Warn("account_scan_failed", "error", err)
			continue
		}
		var a model.DiscordAccount
		if err := json.Unmarshal(raw, &a); err != nil {
			s.log.Warn("account_decode_failed", "error", err)
			continue
		}
		a.Clamp()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.DiscordAccount, error) {
	var raw []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT data FROM accounts WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	var a model.DiscordAccount
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	a.Clamp()
	return &a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a *model.DiscordAccount) error {
	a.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO accounts (id, channel_id, enable, disabled_reason, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET channel_id = EXCLUDED.channel_id,
		     enable = EXCLUDED.enable,
		     disabled_reason = EXCLUDED.disabled_reason,
		     data = EXCLUDED.data,
		     updated_at = NOW()`,
		a.ID, a.ChannelID, a.Enable, a.DisabledReason, raw,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAccountFields applies a last-writer-wins patch of the named
// fields only. Hot fields also land in their dedicated columns.
func (s *Store) UpdateAccountFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	set := []string{"data = data || $2::jsonb", "updated_at = NOW()"}
	args := []any{id, patch}
	for key, col := range accountHotColumns {
		if v, ok := fields[key]; ok {
			args = append(args, v)
			set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}

	_, err = s.db.Pool.Exec(ctx,
		`UPDATE accounts SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var raw []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT data FROM users WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SaveUser(ctx context.Context, u *model.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO users (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		u.ID, raw,
	)
	return err
}

// FindBannedWord returns the first banned word contained in the prompt,
// case-insensitively, or "" when the prompt is clean.
func (s *Store) FindBannedWord(ctx context.Context, prompt string) (string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT word FROM banned_words`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	lower := strings.ToLower(prompt)
	for rows.Next() {
		var word string
		if err := rows.Scan(&word); err != nil {
			continue
		}
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return word, nil
		}
	}
	return "", rows.Err()
}
