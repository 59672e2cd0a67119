// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

var tracer = otel.Tracer("github.com/halcyonlabs/sentinel/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and their SIEM delivery history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, title, system_context, log_data, additional_logs, severity, status,
	classification, confidence, mitre_techniques, iocs, recommendations, source,
	siem_type, siem_incident_id, comments, created_at, updated_at`

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// GetBySiemIncidentID retrieves the most recent incident recorded for an
// external SIEM incident.
func (s *Store) GetBySiemIncidentID(ctx context.Context, siemType, siemIncidentID string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetBySiemIncidentID", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE siem_type = $1 AND siem_incident_id = $2
		ORDER BY created_at DESC LIMIT 1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, siemType, siemIncidentID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// Put inserts or updates an incident in one statement, so the analysis
// outcome lands atomically.
func (s *Store) Put(ctx context.Context, inc *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	additionalLogs, err := json.Marshal(orEmpty(inc.AdditionalLogs))
	if err != nil {
		return fmt.Errorf("marshal additional logs: %w", err)
	}
	techniques, err := json.Marshal(orEmpty(inc.MitreTechniques))
	if err != nil {
		return fmt.Errorf("marshal techniques: %w", err)
	}
	iocs, err := json.Marshal(inc.IOCs)
	if err != nil {
		return fmt.Errorf("marshal iocs: %w", err)
	}
	recommendations, err := json.Marshal(orEmpty(inc.Recommendations))
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	comments, err := json.Marshal(inc.Comments)
	if err != nil {
		return fmt.Errorf("marshal comments: %w", err)
	}

	query := `INSERT INTO incidents (` + incidentColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	ON CONFLICT (id) DO UPDATE SET
		title            = EXCLUDED.title,
		system_context   = EXCLUDED.system_context,
		log_data         = EXCLUDED.log_data,
		additional_logs  = EXCLUDED.additional_logs,
		severity         = EXCLUDED.severity,
		status           = EXCLUDED.status,
		classification   = EXCLUDED.classification,
		confidence       = EXCLUDED.confidence,
		mitre_techniques = EXCLUDED.mitre_techniques,
		iocs             = EXCLUDED.iocs,
		recommendations  = EXCLUDED.recommendations,
		source           = EXCLUDED.source,
		siem_type        = EXCLUDED.siem_type,
		siem_incident_id = EXCLUDED.siem_incident_id,
		comments         = EXCLUDED.comments,
		updated_at       = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		inc.ID, inc.Title, inc.SystemContext, inc.LogData, additionalLogs,
		string(inc.Severity), string(inc.Status), string(inc.Classification), inc.Confidence,
		techniques, iocs, recommendations, string(inc.Source),
		inc.SiemType, inc.SiemIncidentID, comments, inc.CreatedAt, inc.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

// List retrieves incidents matching the filter, newest first.
func (s *Store) List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", string(f.Status))
	add("severity", string(f.Severity))
	add("classification", string(f.Classification))
	add("source", string(f.Source))

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	incidents, err := s.queryIncidents(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return incidents, nil
}

// Snapshot returns every incident ordered by creation time.
func (s *Store) Snapshot(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Snapshot", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY created_at ASC, id ASC`
	incidents, err := s.queryIncidents(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return incidents, nil
}

// PutResponse inserts or updates a SIEM delivery record.
func (s *Store) PutResponse(ctx context.Context, resp *incident.SiemResponse) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutResponse", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	var sentAt *time.Time
	if !resp.SentAt.IsZero() {
		sentAt = &resp.SentAt
	}

	query := `INSERT INTO siem_responses (
		id, incident_id, siem_type, endpoint_url, status, permanent, http_status,
		error_message, payload, response_body, sent_at, retried_count, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		status        = EXCLUDED.status,
		permanent     = EXCLUDED.permanent,
		http_status   = EXCLUDED.http_status,
		error_message = EXCLUDED.error_message,
		response_body = EXCLUDED.response_body,
		sent_at       = EXCLUDED.sent_at,
		retried_count = EXCLUDED.retried_count,
		updated_at    = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		resp.ID, resp.IncidentID, resp.SiemType, resp.EndpointURL, string(resp.Status),
		resp.Permanent, resp.HTTPStatus, resp.ErrorMessage, resp.Payload, resp.ResponseBody,
		sentAt, resp.RetriedCount, resp.CreatedAt, resp.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert siem response: %w", err)
	}
	return nil
}

// ResponsesForIncident retrieves an incident's delivery records, oldest first.
func (s *Store) ResponsesForIncident(ctx context.Context, incidentID string) ([]*incident.SiemResponse, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ResponsesForIncident", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, siem_type, endpoint_url, status, permanent, http_status,
			error_message, payload, response_body, sent_at, retried_count, created_at, updated_at
		 FROM siem_responses WHERE incident_id = $1 ORDER BY created_at ASC, id ASC`,
		incidentID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query siem responses: %w", err)
	}
	defer rows.Close()

	var out []*incident.SiemResponse
	for rows.Next() {
		var (
			r      incident.SiemResponse
			status string
			sentAt *time.Time
		)
		if err := rows.Scan(
			&r.ID, &r.IncidentID, &r.SiemType, &r.EndpointURL, &status, &r.Permanent,
			&r.HTTPStatus, &r.ErrorMessage, &r.Payload, &r.ResponseBody, &sentAt,
			&r.RetriedCount, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan siem response: %w", err)
		}
		r.Status = incident.DeliveryStatus(status)
		if sentAt != nil {
			r.SentAt = *sentAt
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate siem responses: %w", err)
	}
	return out, nil
}

func (s *Store) queryIncidents(ctx context.Context, query string, args ...any) ([]*incident.Incident, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// scanIncident scans a single row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc            incident.Incident
		severity       string
		status         string
		classification string
		source         string
		additionalRaw  []byte
		techniquesRaw  []byte
		iocsRaw        []byte
		recsRaw        []byte
		commentsRaw    []byte
	)

	err := row.Scan(
		&inc.ID, &inc.Title, &inc.SystemContext, &inc.LogData, &additionalRaw,
		&severity, &status, &classification, &inc.Confidence,
		&techniquesRaw, &iocsRaw, &recsRaw, &source,
		&inc.SiemType, &inc.SiemIncidentID, &commentsRaw, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(status)
	inc.Classification = incident.Classification(classification)
	inc.Source = incident.Source(source)

	if err := json.Unmarshal(additionalRaw, &inc.AdditionalLogs); err != nil {
		return nil, fmt.Errorf("unmarshal additional logs: %w", err)
	}
	if err := json.Unmarshal(techniquesRaw, &inc.MitreTechniques); err != nil {
		return nil, fmt.Errorf("unmarshal techniques: %w", err)
	}
	if err := json.Unmarshal(iocsRaw, &inc.IOCs); err != nil {
		return nil, fmt.Errorf("unmarshal iocs: %w", err)
	}
	if err := json.Unmarshal(recsRaw, &inc.Recommendations); err != nil {
		return nil, fmt.Errorf("unmarshal recommendations: %w", err)
	}
	if err := json.Unmarshal(commentsRaw, &inc.Comments); err != nil {
		return nil, fmt.Errorf("unmarshal comments: %w", err)
	}
	return &inc, nil
}

// orEmpty keeps JSON columns as [] instead of null.
func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
