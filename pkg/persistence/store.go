package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sommelier/pkg/proto"
)

// ErrNoUser is returned when an operation needs a user id and none was given.
var ErrNoUser = errors.New("user id required")

// HistoryEntry is one persisted recommendation.
type HistoryEntry struct {
	ID             int64
	UserID         string
	ConversationID string
	Occasion       string
	Ingredients    []string
	Primary        *proto.WineOption
	Alternatives   []proto.WineOption
	Confidence     float64
	CreatedAt      time.Time
}

// GetPreferences returns the stored preferences of userID. Unknown users get an empty map.
func (s *Store) GetPreferences(ctx context.Context, userID string) (proto.Preferences, error) {
	if userID == "" {
		return proto.Preferences{}, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM preferences WHERE user_id = ? ORDER BY key", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prefs := proto.Preferences{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			s.logger.Warn("Skipping unreadable preference %s/%s: %v", userID, key, err)
			continue
		}
		prefs[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	return prefs, nil
}

// SetPreferences upserts every key of prefs for userID in one transaction. A nil value
// deletes the key.
func (s *Store) SetPreferences(ctx context.Context, userID string, prefs proto.Preferences) error {
	if userID == "" {
		return ErrNoUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range prefs {
		if value == nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM preferences WHERE user_id = ? AND key = ?", userID, key); err != nil {
				return fmt.Errorf("failed to delete preference %s: %w", key, err)
			}
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode preference %s: %w", key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO preferences (user_id, key, value, updated_at)
			VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			userID, key, string(raw))
		if err != nil {
			return fmt.Errorf("failed to upsert preference %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit preferences: %w", err)
	}
	return nil
}

// AppendHistory records a finished recommendation.
func (s *Store) AppendHistory(ctx context.Context, update *proto.HistoryUpdate, occasion string) error {
	if update == nil || update.UserID == "" {
		return ErrNoUser
	}

	ingredients, err := json.Marshal(update.Ingredients)
	if err != nil {
		return fmt.Errorf("failed to encode ingredients: %w", err)
	}
	alternatives, err := json.Marshal(update.Alternatives)
	if err != nil {
		return fmt.Errorf("failed to encode alternatives: %w", err)
	}
	var primary sql.NullString
	if update.Primary != nil {
		raw, err := json.Marshal(update.Primary)
		if err != nil {
			return fmt.Errorf("failed to encode primary: %w", err)
		}
		primary = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (user_id, conversation_id, occasion, ingredients, primary_wine, alternatives, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		update.UserID, update.ConversationID, occasion, string(ingredients), primary, string(alternatives),
		update.Confidence, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit entries for userID, newest first.
func (s *Store) RecentHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, occasion, ingredients, primary_wine, alternatives, confidence, created_at
		FROM history WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e                         HistoryEntry
			ingredients, alternatives string
			primary                   sql.NullString
			created                   string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ConversationID, &e.Occasion, &ingredients, &primary, &alternatives, &e.Confidence, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(ingredients), &e.Ingredients); err != nil {
			return nil, fmt.Errorf("history %d ingredients: %w", e.ID, err)
		}
		if alternatives != "" && alternatives != "null" {
			if err := json.Unmarshal([]byte(alternatives), &e.Alternatives); err != nil {
				return nil, fmt.Errorf("history %d alternatives: %w", e.ID, err)
			}
		}
		if primary.Valid {
			var p proto.WineOption
			if err := json.Unmarshal([]byte(primary.String), &p); err != nil {
				return nil, fmt.Errorf("history %d primary: %w", e.ID, err)
			}
			e.Primary = &p
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}

// RecentWines returns the distinct primary wines recommended to userID, newest first.
func (s *Store) RecentWines(ctx context.Context, userID string, limit int) ([]string, error) {
	entries, err := s.RecentHistory(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for i := range entries {
		if p := entries[i].Primary; p != nil && !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return names, nil
}
