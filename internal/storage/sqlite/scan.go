package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullable turns "" into NULL on the way into the database.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return storage.FormatTime(*t)
}

func nullableRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func scanNullRaw(ns sql.NullString) json.RawMessage {
	if ns.Valid && ns.String != "" {
		return json.RawMessage(ns.String)
	}
	return nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	return storage.ParseTimePtr(ns.String)
}

func encodeVariables(vars map[string]string) string {
	return models.CanonicalVariables(vars)
}

func decodeVariables(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(s), &vars); err != nil {
		return nil, fmt.Errorf("decode variables %q: %w", s, err)
	}
	return vars, nil
}

func encodeStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeStringList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("decode list %q: %w", s, err)
	}
	return list, nil
}

// --- projects ---

const projectColumns = `id, name, description, instructions, status, default_max_retries, default_lease_ns, created_at, updated_at`

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p         models.Project
		leaseNS   int64
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Instructions, &p.Status,
		&p.DefaultMaxRetries, &leaseNS, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.DefaultLease = time.Duration(leaseNS)
	if p.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- task types ---

const typeColumns = `id, project_id, name, template, variables, duplicate_policy, max_retries, lease_ns, created_at, updated_at`

func scanTaskType(row rowScanner) (*models.TaskType, error) {
	var (
		tt        models.TaskType
		variables string
		leaseNS   int64
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&tt.ID, &tt.ProjectID, &tt.Name, &tt.Template, &variables,
		&tt.DuplicatePolicy, &tt.MaxRetries, &leaseNS, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tt.Variables, err = decodeStringList(variables); err != nil {
		return nil, err
	}
	tt.LeaseDuration = time.Duration(leaseNS)
	if tt.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if tt.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tt, nil
}

// --- tasks ---

const taskColumns = `id, project_id, type_id, description, variables, status, retry_count, max_retries, assigned_to, assigned_at, lease_expires_at, result, created_at, updated_at, completed_at, failed_at`

// taskRowScanner collects the nullable columns of a task row before
// hydrating them into the model.
type taskRowScanner struct {
	task        models.Task
	variables   string
	assignedTo  sql.NullString
	assignedAt  sql.NullString
	leaseExpiry sql.NullString
	result      sql.NullString
	createdAt   string
	updatedAt   string
	completedAt sql.NullString
	failedAt    sql.NullString
}

func (s *taskRowScanner) scan(row rowScanner) error {
	return row.Scan(
		&s.task.ID, &s.task.ProjectID, &s.task.TypeID, &s.task.Description,
		&s.variables, &s.task.Status, &s.task.RetryCount, &s.task.MaxRetries,
		&s.assignedTo, &s.assignedAt, &s.leaseExpiry, &s.result,
		&s.createdAt, &s.updatedAt, &s.completedAt, &s.failedAt,
	)
}

func (s *taskRowScanner) hydrate() (*models.Task, error) {
	var err error
	if s.task.Variables, err = decodeVariables(s.variables); err != nil {
		return nil, err
	}
	s.task.AssignedTo = scanNullString(s.assignedTo)
	if s.task.AssignedAt, err = parseNullTime(s.assignedAt); err != nil {
		return nil, err
	}
	if s.task.LeaseExpiresAt, err = parseNullTime(s.leaseExpiry); err != nil {
		return nil, err
	}
	s.task.Result = scanNullRaw(s.result)
	if s.task.CreatedAt, err = storage.ParseTime(s.createdAt); err != nil {
		return nil, err
	}
	if s.task.UpdatedAt, err = storage.ParseTime(s.updatedAt); err != nil {
		return nil, err
	}
	if s.task.CompletedAt, err = parseNullTime(s.completedAt); err != nil {
		return nil, err
	}
	if s.task.FailedAt, err = parseNullTime(s.failedAt); err != nil {
		return nil, err
	}
	return &s.task, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	scanner := &taskRowScanner{}
	if err := scanner.scan(row); err != nil {
		return nil, err
	}
	return scanner.hydrate()
}

// --- attempts ---

const attemptColumns = `seq, agent_name, status, result, started_at, completed_at`

func scanAttempt(row rowScanner) (models.TaskAttempt, error) {
	var (
		a           models.TaskAttempt
		result      sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&a.Seq, &a.AgentName, &a.Status, &result, &startedAt, &completedAt)
	if err != nil {
		return a, err
	}
	a.Result = scanNullRaw(result)
	if a.StartedAt, err = storage.ParseTime(startedAt); err != nil {
		return a, err
	}
	if a.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return a, err
	}
	return a, nil
}

// --- sessions ---

const sessionColumns = `token, agent_name, project_id, ttl_ns, data, created_at, last_accessed_at, expires_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s            models.Session
		ttlNS        int64
		data         string
		createdAt    string
		lastAccessed string
		expiresAt    string
	)
	err := row.Scan(&s.Token, &s.AgentName, &s.ProjectID, &ttlNS, &data, &createdAt, &lastAccessed, &expiresAt)
	if err != nil {
		return nil, err
	}
	s.TTL = time.Duration(ttlNS)
	if s.Data, err = decodeVariables(data); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.LastAccessedAt, err = storage.ParseTime(lastAccessed); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = storage.ParseTime(expiresAt); err != nil {
		return nil, err
	}
	return &s, nil
}
