package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"earnbot/internal/domain"
	logx "earnbot/pkg/logx"
)

// Config configures the upstream catalog connection.
type Config struct {
	URL          string
	BaseURL      string
	QueryTimeout time.Duration
	MaxConns     int32
}

// Postgres is the Catalog over the upstream database.
type Postgres struct {
	pool    *pgxpool.Pool
	baseURL string
	timeout time.Duration
	log     logx.Logger
	now     func() time.Time
}

// Open connects to the catalog and verifies the connection.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("source: database url is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("source: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("source: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("source: ping: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Postgres{pool: pool, baseURL: cfg.BaseURL, timeout: timeout, log: log, now: time.Now}, nil
}

func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

const listingSelect = `
SELECT b.id, b.slug, b.title, s.name, b.type::text, b.token, b."rewardAmount", b."usdValue",
       b."compensationType"::text, b."minRewardAsk", b."maxRewardAsk", b.deadline,
       b.region::text, b.skills, b."publishedAt", b."createdAt"
FROM "Bounties" b
LEFT JOIN "Sponsors" s ON s.id = b."sponsorId"`

const openListing = `b.status = 'OPEN' AND b."isPublished" = true AND b."isActive" = true`

const grantSelect = `
SELECT g.id, g.slug, g.title, s.name, g.token, g."minReward", g."maxReward",
       g.region::text, g.skills, g."createdAt"
FROM "Grants" g
LEFT JOIN "Sponsors" s ON s.id = g."sponsorId"`

const openGrant = `g.status = 'OPEN' AND g."isPublished" = true AND g."isActive" = true`

func scanListing(row pgx.Row) (listingRow, error) {
	var r listingRow
	err := row.Scan(&r.ID, &r.Slug, &r.Title, &r.Sponsor, &r.Type, &r.Token, &r.RewardAmount, &r.USDValue,
		&r.CompensationType, &r.MinRewardAsk, &r.MaxRewardAsk, &r.Deadline,
		&r.Region, &r.Skills, &r.PublishedAt, &r.CreatedAt)
	return r, err
}

func scanGrant(row pgx.Row) (grantRow, error) {
	var g grantRow
	err := row.Scan(&g.ID, &g.Slug, &g.Title, &g.Sponsor, &g.Token, &g.MinReward, &g.MaxReward,
		&g.Region, &g.Skills, &g.CreatedAt)
	return g, err
}

func (p *Postgres) FetchVisible(ctx context.Context, delay, window time.Duration) ([]domain.Opportunity, error) {
	from, to := VisibilityWindow(p.now(), delay, window)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.pool.Query(ctx,
		listingSelect+` WHERE b."publishedAt" >= $1 AND b."publishedAt" <= $2 AND `+openListing+` ORDER BY b."publishedAt"`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("source: fetch visible: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		r, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("source: scan listing: %w", err)
		}
		out = append(out, r.toOpportunity(p.baseURL))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: fetch visible: %w", err)
	}
	p.log.Debug("visible listings fetched",
		logx.Time("from", from), logx.Time("to", to), logx.Int("count", len(out)))
	return out, nil
}

func (p *Postgres) FetchOpenGrants(ctx context.Context) ([]domain.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, grantSelect+` WHERE `+openGrant+` ORDER BY g."createdAt"`)
	if err != nil {
		return nil, fmt.Errorf("source: fetch grants: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("source: scan grant: %w", err)
		}
		out = append(out, g.toOpportunity(p.baseURL))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: fetch grants: %w", err)
	}
	return out, nil
}

// FindOpportunity looks in listings first, then grants.
func (p *Postgres) FindOpportunity(ctx context.Context, id string) (domain.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	r, err := scanListing(p.pool.QueryRow(ctx, listingSelect+` WHERE b.id = $1 AND `+openListing, id))
	if err == nil {
		return r.toOpportunity(p.baseURL), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, fmt.Errorf("source: find listing: %w", err)
	}

	g, err := scanGrant(p.pool.QueryRow(ctx, grantSelect+` WHERE g.id = $1 AND `+openGrant, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, ErrNotFound
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("source: find grant: %w", err)
	}
	return g.toOpportunity(p.baseURL), nil
}

func (p *Postgres) AvailableSkills(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.pool.Query(ctx,
		`SELECT b.skills FROM "Bounties" b WHERE b.skills IS NOT NULL AND b."isPublished" = true AND b."isActive" = true`)
	if err != nil {
		return nil, fmt.Errorf("source: skills: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("source: scan skills: %w", err)
		}
		opps = append(opps, domain.Opportunity{Skills: parseSkills(raw)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return distinctSkills(opps), nil
}
