// Package storage is the Postgres metadata store. Contact and message
// writes use upsert-by-id semantics so concurrent retries of the same
// logical task cannot create duplicate records.
package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/courier/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) CreateSchedule(ctx context.Context, m *domain.ScheduledMessage) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return errors.Wrap(err, "storage: marshal schedule payload")
	}
	_, err = s.db.Exec(ctx, `insert into schedules(
id, tenant, phone, message, type, payload, scheduled_at, status, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.Tenant, m.Phone, m.Message, string(m.Type), payload,
		m.ScheduledAt, string(m.Status), m.CreatedAt, m.UpdatedAt,
	)
	return errors.Wrap(err, "storage: insert schedule")
}

const scheduleColumns = `id, tenant, phone, message, type, payload, scheduled_at,
status, coalesce(result,''), coalesce(error,''), sent_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.ScheduledMessage, error) {
	var (
		m       domain.ScheduledMessage
		typ     string
		status  string
		payload []byte
	)
	err := row.Scan(&m.ID, &m.Tenant, &m.Phone, &m.Message, &typ, &payload,
		&m.ScheduledAt, &status, &m.Result, &m.Error, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = domain.MessageType(typ)
	m.Status = domain.ScheduleStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, errors.Wrap(err, "storage: unmarshal schedule payload")
		}
	}
	return &m, nil
}

func (s *Store) GetSchedule(ctx context.Context, tenant, id string) (*domain.ScheduledMessage, error) {
	row := s.db.QueryRow(ctx,
		`select `+scheduleColumns+` from schedules where tenant = $1 and id = $2`, tenant, id)
	m, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, domain.NotFoundf("schedule %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get schedule")
	}
	return m, nil
}

func (s *Store) ListSchedules(ctx context.Context, tenant string, status domain.ScheduleStatus, page, limit int) ([]domain.ScheduledMessage, int, error) {
	offset := (page - 1) * limit

	var total int
	countQ := `select count(*) from schedules where tenant = $1`
	args := []any{tenant}
	if status != "" {
		countQ += ` and status = $2`
		args = append(args, string(status))
	}
	if err := s.db.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "storage: count schedules")
	}

	listQ := `select ` + scheduleColumns + ` from schedules where tenant = $1`
	if status != "" {
		listQ += ` and status = $2 order by scheduled_at asc limit $3 offset $4`
		args = append(args, limit, offset)
	} else {
		listQ += ` order by scheduled_at asc limit $2 offset $3`
		args = append(args, limit, offset)
	}
	rows, err := s.db.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "storage: list schedules")
	}
	defer rows.Close()

	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "storage: scan schedule")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "storage: list schedules")
	}
	return out, total, nil
}

// ListPendingSchedules returns pending schedules across all tenants,
// oldest first. Used by the reconcile tick to re-create queue jobs lost
// with queue state.
func (s *Store) ListPendingSchedules(ctx context.Context, limit int) ([]domain.ScheduledMessage, error) {
	rows, err := s.db.Query(ctx,
		`select `+scheduleColumns+` from schedules
		  where status = $1 order by scheduled_at asc limit $2`,
		string(domain.SchedulePending), limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list pending schedules")
	}
	defer rows.Close()

	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan schedule")
		}
		out = append(out, *m)
	}
	return out, errors.Wrap(rows.Err(), "storage: list pending schedules")
}

func (s *Store) UpdateSchedule(ctx context.Context, m *domain.ScheduledMessage) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return errors.Wrap(err, "storage: marshal schedule payload")
	}
	tag, err := s.db.Exec(ctx, `update schedules set
phone = $3, message = $4, type = $5, payload = $6, scheduled_at = $7,
status = $8, result = nullif($9,''), error = nullif($10,''), sent_at = $11,
updated_at = now()
where tenant = $1 and id = $2`,
		m.Tenant, m.ID, m.Phone, m.Message, string(m.Type), payload,
		m.ScheduledAt, string(m.Status), m.Result, m.Error, m.SentAt,
	)
	if err != nil {
		return errors.Wrap(err, "storage: update schedule")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("schedule %s not found", m.ID)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, tenant, id string) error {
	tag, err := s.db.Exec(ctx, `delete from schedules where tenant = $1 and id = $2`, tenant, id)
	if err != nil {
		return errors.Wrap(err, "storage: delete schedule")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("schedule %s not found", id)
	}
	return nil
}

func (s *Store) UpsertContact(ctx context.Context, c domain.Contact) error {
	_, err := s.db.Exec(ctx, `insert into contacts(tenant, wa_id, name, pushname, phone)
values ($1,$2,nullif($3,''),nullif($4,''),nullif($5,''))
on conflict (tenant, wa_id) do update set
name = excluded.name, pushname = excluded.pushname, phone = excluded.phone`,
		c.Tenant, c.WAID, c.Name, c.Pushname, c.Phone,
	)
	return errors.Wrap(err, "storage: upsert contact")
}

func (s *Store) SetContactProfilePic(ctx context.Context, tenant, waID, path string) error {
	_, err := s.db.Exec(ctx, `insert into contacts(tenant, wa_id, profile_pic)
values ($1,$2,$3)
on conflict (tenant, wa_id) do update set profile_pic = excluded.profile_pic`,
		tenant, waID, path,
	)
	return errors.Wrap(err, "storage: set contact profile pic")
}

func (s *Store) ContactHasProfilePic(ctx context.Context, tenant, waID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`select exists(select 1 from contacts where tenant = $1 and wa_id = $2 and profile_pic is not null)`,
		tenant, waID).Scan(&exists)
	return exists, errors.Wrap(err, "storage: check contact profile pic")
}

func (s *Store) ListContacts(ctx context.Context, tenant, search string, page, limit int) ([]domain.Contact, int, error) {
	offset := (page - 1) * limit
	filter := `tenant = $1`
	args := []any{tenant}
	if search != "" {
		filter += ` and (name ilike $2 or pushname ilike $2 or phone ilike $2 or wa_id ilike $2)`
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := s.db.QueryRow(ctx, `select count(*) from contacts where `+filter, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "storage: count contacts")
	}

	n := len(args)
	listQ := `select tenant, wa_id, coalesce(name,''), coalesce(pushname,''), coalesce(phone,''), coalesce(profile_pic,'')
from contacts where ` + filter + ` order by name nulls last limit $` +
		strconv.Itoa(n+1) + ` offset $` + strconv.Itoa(n+2)
	args = append(args, limit, offset)

	rows, err := s.db.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "storage: list contacts")
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.Tenant, &c.WAID, &c.Name, &c.Pushname, &c.Phone, &c.ProfilePic); err != nil {
			return nil, 0, errors.Wrap(err, "storage: scan contact")
		}
		out = append(out, c)
	}
	return out, total, errors.Wrap(rows.Err(), "storage: list contacts")
}

// UpsertMessage inserts a synced message once; an existing record is left
// untouched so a later media-path write is never clobbered by a re-sync.
func (s *Store) UpsertMessage(ctx context.Context, m domain.Message) error {
	_, err := s.db.Exec(ctx, `insert into messages(
tenant, wa_id, chat_id, author, phone, body, ts, is_media
) values ($1,$2,$3,nullif($4,''),nullif($5,''),nullif($6,''),$7,$8)
on conflict (tenant, wa_id) do nothing`,
		m.Tenant, m.WAID, m.ChatID, m.Author, m.Phone, m.Body, m.Timestamp, m.IsMedia,
	)
	return errors.Wrap(err, "storage: upsert message")
}

func (s *Store) SetMessageMediaPath(ctx context.Context, tenant, waID, path string) error {
	_, err := s.db.Exec(ctx, `insert into messages(tenant, wa_id, chat_id, is_media, media_path)
values ($1,$2,'',true,$3)
on conflict (tenant, wa_id) do update set media_path = excluded.media_path`,
		tenant, waID, path,
	)
	return errors.Wrap(err, "storage: set message media path")
}

func (s *Store) MessageHasMediaPath(ctx context.Context, tenant, waID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`select exists(select 1 from messages where tenant = $1 and wa_id = $2 and media_path is not null)`,
		tenant, waID).Scan(&exists)
	return exists, errors.Wrap(err, "storage: check message media path")
}

func (s *Store) UpsertFile(ctx context.Context, f domain.StoredFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `insert into files(id, tenant, original_name, stored_path, mime, size, created_at)
values ($1,nullif($2,''),$3,$4,nullif($5,''),$6,$7)
on conflict (id) do update set
original_name = excluded.original_name, stored_path = excluded.stored_path,
mime = excluded.mime, size = excluded.size`,
		f.ID, f.Tenant, f.OriginalName, f.StoredPath, f.Mime, f.Size, f.CreatedAt,
	)
	return errors.Wrap(err, "storage: upsert file")
}
