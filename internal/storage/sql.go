package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"earnbot/internal/domain"
	logx "earnbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql for both dialects.
// Queries are written with '?' placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

func (s *sqlStore) migrate(ctx context.Context, name string) error {
	b, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

const recipientCols = `id, chat_id, username, external_id, geography, active, created_at, updated_at`

func scanRecipient(sc interface{ Scan(...any) error }) (domain.Recipient, error) {
	var (
		r                    domain.Recipient
		username, ext, geo   sql.NullString
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&r.ID, &r.ChatID, &username, &ext, &geo, &r.Active, &createdAt, &updatedAt); err != nil {
		return domain.Recipient{}, err
	}
	r.Username = username.String
	r.ExternalID = ext.String
	r.Geography = geo.String
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func (s *sqlStore) EnsureRecipient(ctx context.Context, chatID int64, username string) (domain.Recipient, bool, error) {
	r, err := s.RecipientByChat(ctx, chatID)
	switch {
	case err == nil:
		now := s.now().UnixMilli()
		if _, err := s.db.ExecContext(ctx,
			s.q(`UPDATE recipients SET active = ?, username = ?, updated_at = ? WHERE id = ?`),
			true, nullStr(username), now, r.ID,
		); err != nil {
			return domain.Recipient{}, false, err
		}
		r.Active = true
		r.Username = username
		r.UpdatedAt = time.UnixMilli(now).UTC()
		return r, false, nil
	case !errors.Is(err, ErrNotFound):
		return domain.Recipient{}, false, err
	}

	now := s.now().UnixMilli()
	id := uuid.NewString()
	// A concurrent /start for the same chat loses the race on chat_id and re-reads.
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO recipients(`+recipientCols+`) VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(chat_id) DO NOTHING`),
		id, chatID, nullStr(username), nil, nil, true, now, now,
	)
	if err != nil {
		return domain.Recipient{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := s.RecipientByChat(ctx, chatID)
		return r, false, err
	}
	if err := s.SavePreferences(ctx, id, domain.DefaultPreferences()); err != nil {
		return domain.Recipient{}, false, err
	}
	return domain.Recipient{
		ID:        id,
		ChatID:    chatID,
		Username:  username,
		Active:    true,
		CreatedAt: time.UnixMilli(now).UTC(),
		UpdatedAt: time.UnixMilli(now).UTC(),
	}, true, nil
}

func (s *sqlStore) RecipientByChat(ctx context.Context, chatID int64) (domain.Recipient, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recipientCols+` FROM recipients WHERE chat_id = ?`), chatID)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipient{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) updateRecipient(ctx context.Context, recipientID, set string, v any) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE recipients SET `+set+` = ?, updated_at = ? WHERE id = ?`),
		v, s.now().UnixMilli(), recipientID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetActive(ctx context.Context, recipientID string, active bool) error {
	return s.updateRecipient(ctx, recipientID, "active", active)
}

func (s *sqlStore) SetGeography(ctx context.Context, recipientID, geography string) error {
	return s.updateRecipient(ctx, recipientID, "geography", nullStr(geography))
}

func (s *sqlStore) SetExternalID(ctx context.Context, recipientID, externalID string) error {
	return s.updateRecipient(ctx, recipientID, "external_id", nullStr(externalID))
}

func (s *sqlStore) Preferences(ctx context.Context, recipientID string) (domain.Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT min_usd, max_usd, notify_bounties, notify_projects, skills, updated_at FROM preferences WHERE recipient_id = ?`),
		recipientID,
	)
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPreferences(), nil
	}
	return p, err
}

func scanPreferences(sc interface{ Scan(...any) error }) (domain.Preferences, error) {
	var (
		p              domain.Preferences
		minUSD, maxUSD sql.NullFloat64
		skills         string
		updatedAt      int64
	)
	if err := sc.Scan(&minUSD, &maxUSD, &p.NotifyBounties, &p.NotifyProjects, &skills, &updatedAt); err != nil {
		return domain.Preferences{}, err
	}
	if minUSD.Valid {
		p.MinUSD = domain.Float(minUSD.Float64)
	}
	if maxUSD.Valid {
		p.MaxUSD = domain.Float(maxUSD.Float64)
	}
	p.Skills = decodeSkills(skills)
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return p, nil
}

func (s *sqlStore) SavePreferences(ctx context.Context, recipientID string, p domain.Preferences) error {
	skills, err := json.Marshal(domain.NormalizeSkills(p.Skills))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO preferences(recipient_id, min_usd, max_usd, notify_bounties, notify_projects, skills, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(recipient_id) DO UPDATE SET
			min_usd = excluded.min_usd,
			max_usd = excluded.max_usd,
			notify_bounties = excluded.notify_bounties,
			notify_projects = excluded.notify_projects,
			skills = excluded.skills,
			updated_at = excluded.updated_at`),
		recipientID, nullFloat(p.MinUSD), nullFloat(p.MaxUSD), p.NotifyBounties, p.NotifyProjects, string(skills), s.now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) ActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT r.id, r.chat_id, r.username, r.external_id, r.geography, r.active, r.created_at, r.updated_at,
		       p.min_usd, p.max_usd, p.notify_bounties, p.notify_projects, p.skills, p.updated_at
		FROM recipients r
		LEFT JOIN preferences p ON p.recipient_id = r.id
		WHERE r.active = ?
		ORDER BY r.created_at`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var (
			sub                  domain.Subscriber
			username, ext, geo   sql.NullString
			createdAt, updatedAt int64
			minUSD, maxUSD       sql.NullFloat64
			bounties, projects   sql.NullBool
			skills               sql.NullString
			prefsAt              sql.NullInt64
		)
		r := &sub.Recipient
		if err := rows.Scan(&r.ID, &r.ChatID, &username, &ext, &geo, &r.Active, &createdAt, &updatedAt,
			&minUSD, &maxUSD, &bounties, &projects, &skills, &prefsAt); err != nil {
			return nil, err
		}
		r.Username = username.String
		r.ExternalID = ext.String
		r.Geography = geo.String
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()

		sub.Preferences = domain.DefaultPreferences()
		if prefsAt.Valid {
			p := &sub.Preferences
			if minUSD.Valid {
				p.MinUSD = domain.Float(minUSD.Float64)
			}
			if maxUSD.Valid {
				p.MaxUSD = domain.Float(maxUSD.Float64)
			}
			p.NotifyBounties = bounties.Bool
			p.NotifyProjects = projects.Bool
			p.Skills = decodeSkills(skills.String)
			p.UpdatedAt = time.UnixMilli(prefsAt.Int64).UTC()
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) HasDelivered(ctx context.Context, recipientID, opportunityID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM deliveries WHERE recipient_id = ? AND opportunity_id = ?`),
		recipientID, opportunityID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) RecordDelivery(ctx context.Context, recipientID, opportunityID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO deliveries(recipient_id, opportunity_id, sent_at) VALUES(?,?,?) ON CONFLICT DO NOTHING`),
		recipientID, opportunityID, at.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRecorded
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyRecorded
	}
	return nil
}

func (s *sqlStore) Stats(ctx context.Context, since time.Time) (domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			(SELECT COUNT(*) FROM recipients),
			(SELECT COUNT(*) FROM recipients WHERE active = ?),
			(SELECT COUNT(*) FROM deliveries),
			(SELECT COUNT(*) FROM deliveries WHERE sent_at >= ?)`),
		true, since.UnixMilli(),
	).Scan(&st.TotalRecipients, &st.ActiveRecipients, &st.TotalDeliveries, &st.TodayDeliveries)
	return st, err
}

func decodeSkills(raw string) []string {
	var out []string
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
