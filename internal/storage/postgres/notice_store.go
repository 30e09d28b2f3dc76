package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

var _ store.NoticeStore = (*NoticeStore)(nil)

const (
	truncateNoticesSQL = `TRUNCATE TABLE notams RESTART IDENTITY CASCADE`
	deleteNoticesSQL   = `DELETE FROM notams WHERE id = ANY($1)`

	upsertNoticeSQL = `
INSERT INTO notams (
	raw_hash, notam_number, issue_time, notam_category, severity_level,
	start_time, end_time, operational_instance, is_active,
	time_of_day_applicability, flight_rule_applicability, primary_category,
	affected_area, affected_airports_snapshot, notam_summary, one_line_description,
	icao_message, replacing_notam, base_score_ifr, base_score_vfr, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21
)
ON CONFLICT (raw_hash) DO UPDATE SET
	notam_number = EXCLUDED.notam_number,
	issue_time = EXCLUDED.issue_time,
	notam_category = EXCLUDED.notam_category,
	severity_level = EXCLUDED.severity_level,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	operational_instance = EXCLUDED.operational_instance,
	is_active = EXCLUDED.is_active,
	time_of_day_applicability = EXCLUDED.time_of_day_applicability,
	flight_rule_applicability = EXCLUDED.flight_rule_applicability,
	primary_category = EXCLUDED.primary_category,
	affected_area = EXCLUDED.affected_area,
	affected_airports_snapshot = EXCLUDED.affected_airports_snapshot,
	notam_summary = EXCLUDED.notam_summary,
	one_line_description = EXCLUDED.one_line_description,
	icao_message = EXCLUDED.icao_message,
	replacing_notam = EXCLUDED.replacing_notam,
	base_score_ifr = EXCLUDED.base_score_ifr,
	base_score_vfr = EXCLUDED.base_score_vfr,
	updated_at = EXCLUDED.updated_at
RETURNING id, (xmax = 0) AS inserted`

	clearChildrenSQL = `
WITH a AS (DELETE FROM notam_airports WHERE notam_id = $1),
t AS (DELETE FROM notam_operational_tags WHERE notam_id = $1),
fp AS (DELETE FROM notam_flight_phases WHERE notam_id = $1),
sz AS (DELETE FROM notam_aircraft_sizes WHERE notam_id = $1),
pr AS (DELETE FROM notam_aircraft_propulsions WHERE notam_id = $1),
ws AS (DELETE FROM notam_wingspan_restrictions WHERE notam_id = $1),
tw AS (DELETE FROM notam_taxiways WHERE notam_id = $1),
pc AS (DELETE FROM notam_procedures WHERE notam_id = $1),
ob AS (DELETE FROM notam_obstacles WHERE notam_id = $1),
rw AS (DELETE FROM notam_runways WHERE notam_id = $1)
DELETE FROM notam_runway_conditions WHERE notam_id = $1`

	upsertAirportsSQL = `
INSERT INTO airports (icao_code, name)
SELECT code, code || ' Airport' FROM unnest($1::text[]) AS code
ON CONFLICT (icao_code) DO NOTHING`

	linkAirportsSQL = `
INSERT INTO notam_airports (notam_id, airport_code)
SELECT $1, code FROM unnest($2::text[]) AS code`

	upsertTagsSQL = `
INSERT INTO operational_tags (tag_name)
SELECT name FROM unnest($1::text[]) AS name
ON CONFLICT (tag_name) DO NOTHING`

	linkTagsSQL = `
INSERT INTO notam_operational_tags (notam_id, tag_id)
SELECT $1, id FROM operational_tags WHERE tag_name = ANY($2::text[])`

	insertFlightPhasesSQL = `
INSERT INTO notam_flight_phases (notam_id, phase)
SELECT $1, phase FROM unnest($2::text[]) AS phase`

	insertAircraftSizesSQL = `
INSERT INTO notam_aircraft_sizes (notam_id, size)
SELECT $1, size FROM unnest($2::text[]) AS size`

	insertPropulsionsSQL = `
INSERT INTO notam_aircraft_propulsions (notam_id, propulsion)
SELECT $1, propulsion FROM unnest($2::text[]) AS propulsion`

	insertWingspanSQL = `
INSERT INTO notam_wingspan_restrictions (notam_id, min_m, min_inclusive, max_m, max_inclusive)
VALUES ($1, $2, $3, $4, $5)`

	insertTaxiwaysSQL = `
INSERT INTO notam_taxiways (notam_id, airport_code, taxiway_id)
SELECT $1, $2, taxiway FROM unnest($3::text[]) AS taxiway`

	insertProceduresSQL = `
INSERT INTO notam_procedures (notam_id, airport_code, procedure_name)
SELECT $1, $2, name FROM unnest($3::text[]) AS name`

	insertObstaclesSQL = `
INSERT INTO notam_obstacles (notam_id, type, height_agl_ft, height_amsl_ft, latitude, longitude, lighting)
SELECT $1, o.type, o.agl, o.amsl, o.lat, o.lon, NULLIF(o.lighting, '')
FROM unnest($2::text[], $3::int[], $4::int[], $5::float8[], $6::float8[], $7::text[])
	AS o(type, agl, amsl, lat, lon, lighting)`

	insertRunwaysSQL = `
INSERT INTO notam_runways (notam_id, airport_code, runway_number, runway_side)
SELECT $1, $2, r.num, NULLIF(r.side, '')
FROM unnest($3::int[], $4::text[]) AS r(num, side)`

	insertRunwayConditionsSQL = `
INSERT INTO notam_runway_conditions (notam_id, airport_code, runway_number, runway_side, friction_value)
SELECT $1, $2, r.num, NULLIF(r.side, ''), r.friction
FROM unnest($3::int[], $4::text[], $5::float8[]) AS r(num, side, friction)`

	insertHistorySQL = `
INSERT INTO notam_history (notam_id, action, changed_fields, created_at)
VALUES ($1, $2, $3, $4)`

	existingHashesSQL = `SELECT raw_hash FROM notams WHERE raw_hash = ANY($1)`
	hashesForIDsSQL   = `SELECT id, raw_hash FROM notams WHERE id = ANY($1)`
)

// NoticeStore persists classified notices into Postgres.
type NoticeStore struct {
	db     DB
	logger *zap.Logger
	now    func() time.Time
}

// NoticeStoreOption customizes a NoticeStore.
type NoticeStoreOption func(*NoticeStore)

// WithLogger sets the logger used for per-item skip reports.
func WithLogger(logger *zap.Logger) NoticeStoreOption {
	return func(s *NoticeStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps and scoring.
func WithClock(now func() time.Time) NoticeStoreOption {
	return func(s *NoticeStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewNoticeStore builds a NoticeStore on db, typically a *pgxpool.Pool.
func NewNoticeStore(db DB, opts ...NoticeStoreOption) (*NoticeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &NoticeStore{
		db:     db,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying pool resources.
func (s *NoticeStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping checks connectivity.
func (s *NoticeStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// batchError marks failures that invalidate the whole outer transaction.
type batchError struct {
	err error
}

func (e *batchError) Error() string { return e.err.Error() }
func (e *batchError) Unwrap() error { return e.err }

// PersistBatch implements store.NoticeStore.
func (s *NoticeStore) PersistBatch(ctx context.Context, outcomes []notice.Outcome, opts store.PersistOptions) (store.BatchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "postgres.PersistBatch")
	span.SetAttributes(attribute.Int("batch.size", len(outcomes)))
	defer span.End()

	result, err := s.persistBatch(ctx, outcomes, opts)
	metrics.ObservePersist(result.Created(), result.Updated(), len(result.Skipped), result.Failed, err)
	if err != nil {
		span.RecordError(err)
		return store.BatchResult{}, err
	}
	return result, nil
}

func (s *NoticeStore) persistBatch(ctx context.Context, outcomes []notice.Outcome, opts store.PersistOptions) (store.BatchResult, error) {
	var result store.BatchResult

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w", err)
	}
	abort := func(cause error) (store.BatchResult, error) {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("rollback batch failed", zap.Error(rbErr))
		}
		return store.BatchResult{}, cause
	}

	if err := s.applyOverwrites(ctx, tx, opts); err != nil {
		return abort(err)
	}

	now := s.now()
	for _, o := range outcomes {
		if !o.OK() {
			result.Failed++
			s.logger.Debug("skipping unclassified notice",
				zap.String("notam_number", o.Item.Number),
				zap.String("raw_hash", o.Item.Hash),
				zap.String("reason", o.Reason),
			)
			continue
		}
		item, err := s.persistOne(ctx, tx, o, now)
		if err != nil {
			var be *batchError
			if errors.As(err, &be) {
				return abort(fmt.Errorf("persist batch: %w", be.err))
			}
			skipped := store.SkippedItem{Item: o.Item, Reason: err.Error(), Conflict: IsUniqueViolation(err)}
			result.Skipped = append(result.Skipped, skipped)
			s.logger.Warn("skipped notice",
				zap.String("notam_number", o.Item.Number),
				zap.String("raw_hash", o.Item.Hash),
				zap.Bool("conflict", skipped.Conflict),
				zap.Error(err),
			)
			continue
		}
		result.Persisted = append(result.Persisted, item)
		s.logger.Info("persisted notice",
			zap.String("notam_number", o.Item.Number),
			zap.String("airport", o.Item.SourceID),
			zap.Int64("notam_id", item.ID),
			zap.String("action", string(item.Action)),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return abort(fmt.Errorf("commit batch: %w", err))
	}
	return result, nil
}

func (s *NoticeStore) applyOverwrites(ctx context.Context, tx pgx.Tx, opts store.PersistOptions) error {
	switch {
	case opts.OverwriteAll:
		if _, err := tx.Exec(ctx, truncateNoticesSQL); err != nil {
			return fmt.Errorf("truncate notices: %w", err)
		}
		s.logger.Warn("cleared all notice records")
	case len(opts.OverwriteIDs) > 0:
		tag, err := tx.Exec(ctx, deleteNoticesSQL, opts.OverwriteIDs)
		if err != nil {
			return fmt.Errorf("delete notices by id: %w", err)
		}
		s.logger.Info("deleted notice records for overwrite",
			zap.Int64s("ids", opts.OverwriteIDs),
			zap.Int64("deleted", tag.RowsAffected()),
		)
	}
	return nil
}

// persistOne writes one notice inside its own savepoint. Item-level errors
// are returned as-is after the savepoint is rolled back; errors that leave
// the outer transaction unusable are wrapped in batchError.
func (s *NoticeStore) persistOne(ctx context.Context, tx pgx.Tx, o notice.Outcome, now time.Time) (store.PersistedItem, error) {
	rec, err := store.RecordFromOutcome(o, now)
	if err != nil {
		return store.PersistedItem{}, fmt.Errorf("map notice: %w", err)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return store.PersistedItem{}, &batchError{err: fmt.Errorf("open savepoint: %w", err)}
	}

	item, err := writeRecord(ctx, sp, rec, now)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return store.PersistedItem{}, &batchError{err: fmt.Errorf("rollback savepoint: %w", rbErr)}
		}
		return store.PersistedItem{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return store.PersistedItem{}, &batchError{err: fmt.Errorf("release savepoint: %w", err)}
	}
	return item, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func writeRecord(ctx context.Context, db execer, rec store.Record, now time.Time) (store.PersistedItem, error) {
	instances, err := json.Marshal(map[string]any{"operational_instances": rec.OperationalInstances})
	if err != nil {
		return store.PersistedItem{}, fmt.Errorf("encode operational instances: %w", err)
	}
	var area []byte
	if rec.AffectedArea != nil {
		if area, err = json.Marshal(rec.AffectedArea); err != nil {
			return store.PersistedItem{}, fmt.Errorf("encode affected area: %w", err)
		}
	}
	snapshot, err := json.Marshal(rec.AffectedAirports)
	if err != nil {
		return store.PersistedItem{}, fmt.Errorf("encode affected airports: %w", err)
	}

	var (
		id       int64
		inserted bool
	)
	err = db.QueryRow(ctx, upsertNoticeSQL,
		rec.RawHash,
		rec.NotamNumber,
		rec.IssueTime,
		nullIfEmpty(rec.NotamCategory),
		nullIfEmpty(rec.SeverityLevel),
		rec.StartTime,
		rec.EndTime,
		instances,
		rec.IsActive,
		nullIfEmpty(rec.TimeOfDayApplicability),
		nullIfEmpty(rec.FlightRuleApplicability),
		nullIfEmpty(rec.PrimaryCategory),
		area,
		snapshot,
		rec.NotamSummary,
		nullIfEmpty(rec.OneLineDescription),
		rec.IcaoMessage,
		nullIfEmpty(rec.ReplacingNotam),
		rec.BaseScoreIFR,
		rec.BaseScoreVFR,
		now,
	).Scan(&id, &inserted)
	if err != nil {
		return store.PersistedItem{}, fmt.Errorf("upsert notice: %w", err)
	}

	if _, err := db.Exec(ctx, clearChildrenSQL, id); err != nil {
		return store.PersistedItem{}, fmt.Errorf("clear children: %w", err)
	}
	if err := insertChildren(ctx, db, id, rec); err != nil {
		return store.PersistedItem{}, err
	}

	action := store.ActionUpdated
	if inserted {
		action = store.ActionCreated
	}
	changed, err := json.Marshal(store.ChangedFields(action, now))
	if err != nil {
		return store.PersistedItem{}, fmt.Errorf("encode history: %w", err)
	}
	if _, err := db.Exec(ctx, insertHistorySQL, id, string(action), changed, now); err != nil {
		return store.PersistedItem{}, fmt.Errorf("insert history: %w", err)
	}
	return store.PersistedItem{Hash: rec.RawHash, ID: id, Action: action}, nil
}

func insertChildren(ctx context.Context, db execer, id int64, rec store.Record) error {
	ch := rec.Children
	airport := rec.PrimaryAirport

	if _, err := db.Exec(ctx, upsertAirportsSQL, ch.Airports); err != nil {
		return fmt.Errorf("upsert airports: %w", err)
	}
	if _, err := db.Exec(ctx, linkAirportsSQL, id, ch.Airports); err != nil {
		return fmt.Errorf("link airports: %w", err)
	}
	if len(ch.Tags) > 0 {
		if _, err := db.Exec(ctx, upsertTagsSQL, ch.Tags); err != nil {
			return fmt.Errorf("upsert tags: %w", err)
		}
		if _, err := db.Exec(ctx, linkTagsSQL, id, ch.Tags); err != nil {
			return fmt.Errorf("link tags: %w", err)
		}
	}

	lists := []struct {
		name   string
		sql    string
		values []string
		scoped bool
	}{
		{"flight phases", insertFlightPhasesSQL, ch.FlightPhases, false},
		{"aircraft sizes", insertAircraftSizesSQL, ch.AircraftSizes, false},
		{"propulsions", insertPropulsionsSQL, ch.Propulsions, false},
		{"taxiways", insertTaxiwaysSQL, ch.Taxiways, true},
		{"procedures", insertProceduresSQL, ch.Procedures, true},
	}
	for _, l := range lists {
		if len(l.values) == 0 {
			continue
		}
		args := []any{id, l.values}
		if l.scoped {
			args = []any{id, airport, l.values}
		}
		if _, err := db.Exec(ctx, l.sql, args...); err != nil {
			return fmt.Errorf("insert %s: %w", l.name, err)
		}
	}

	if ws := ch.Wingspan; ws != nil {
		if _, err := db.Exec(ctx, insertWingspanSQL, id, ws.MinM, ws.MinInclusive, ws.MaxM, ws.MaxInclusive); err != nil {
			return fmt.Errorf("insert wingspan restriction: %w", err)
		}
	}
	if len(ch.Obstacles) > 0 {
		if _, err := db.Exec(ctx, insertObstaclesSQL, obstacleColumns(id, ch.Obstacles)...); err != nil {
			return fmt.Errorf("insert obstacles: %w", err)
		}
	}
	if len(ch.Runways) > 0 {
		nums, sides := runwayColumns(ch.Runways)
		if _, err := db.Exec(ctx, insertRunwaysSQL, id, airport, nums, sides); err != nil {
			return fmt.Errorf("insert runways: %w", err)
		}
	}
	if len(ch.RunwayConditions) > 0 {
		nums := make([]int32, len(ch.RunwayConditions))
		sides := make([]string, len(ch.RunwayConditions))
		friction := make([]*float64, len(ch.RunwayConditions))
		for i, rc := range ch.RunwayConditions {
			nums[i], sides[i], friction[i] = int32(rc.Number), rc.Side, rc.Friction
		}
		if _, err := db.Exec(ctx, insertRunwayConditionsSQL, id, airport, nums, sides, friction); err != nil {
			return fmt.Errorf("insert runway conditions: %w", err)
		}
	}
	return nil
}

func obstacleColumns(id int64, obstacles []notice.Obstacle) []any {
	n := len(obstacles)
	types := make([]string, n)
	agl := make([]*int32, n)
	amsl := make([]*int32, n)
	lat := make([]*float64, n)
	lon := make([]*float64, n)
	lighting := make([]string, n)
	for i, o := range obstacles {
		types[i] = o.Type
		agl[i] = int32Ptr(o.HeightAGLFt)
		amsl[i] = int32Ptr(o.HeightAMSLFt)
		if o.Location != nil {
			lat[i], lon[i] = &o.Location.Latitude, &o.Location.Longitude
		}
		lighting[i] = o.Lighting
	}
	return []any{id, types, agl, amsl, lat, lon, lighting}
}

func runwayColumns(runways []store.Runway) ([]int32, []string) {
	nums := make([]int32, len(runways))
	sides := make([]string, len(runways))
	for i, r := range runways {
		nums[i], sides[i] = int32(r.Number), r.Side
	}
	return nums, sides
}

func int32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ExistingHashes implements store.NoticeStore.
func (s *NoticeStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(hashes) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, existingHashesSQL, hashes)
	if err != nil {
		return nil, fmt.Errorf("query existing hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out[h] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hashes: %w", err)
	}
	return out, nil
}

// HashesForIDs implements store.NoticeStore.
func (s *NoticeStore) HashesForIDs(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, hashesForIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("query hashes for ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			hash string
		)
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan id hash: %w", err)
		}
		out[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate id hashes: %w", err)
	}
	return out, nil
}
