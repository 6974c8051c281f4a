package filestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// containerSchemaVersion guards future layout changes of container files.
const containerSchemaVersion = 1

// Persisted documents. Instants are stored as fixed-width UTC strings and
// durations as integer nanoseconds; conversion to model types happens here
// and nowhere else.

type containerDoc struct {
	SchemaVersion int        `json:"schema_version"`
	Project       projectDoc `json:"project"`
	Types         []typeDoc  `json:"task_types"`
	Tasks         []taskDoc  `json:"tasks"`
}

type projectDoc struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	Status            string `json:"status"`
	DefaultMaxRetries int    `json:"default_max_retries"`
	DefaultLeaseNS    int64  `json:"default_lease_ns"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type typeDoc struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Name            string   `json:"name"`
	Template        string   `json:"template"`
	Variables       []string `json:"variables,omitempty"`
	DuplicatePolicy string   `json:"duplicate_policy"`
	MaxRetries      int      `json:"max_retries"`
	LeaseNS         int64    `json:"lease_ns"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

type taskDoc struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	TypeID         string            `json:"type_id"`
	Description    string            `json:"description,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Status         string            `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	AssignedTo     string            `json:"assigned_to,omitempty"`
	AssignedAt     string            `json:"assigned_at,omitempty"`
	LeaseExpiresAt string            `json:"lease_expires_at,omitempty"`
	Attempts       []attemptDoc      `json:"attempts,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	CompletedAt    string            `json:"completed_at,omitempty"`
	FailedAt       string            `json:"failed_at,omitempty"`
}

type attemptDoc struct {
	Seq         int             `json:"seq"`
	AgentName   string          `json:"agent_name"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   string          `json:"started_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

type sessionDoc struct {
	Token          string            `json:"token"`
	AgentName      string            `json:"agent_name"`
	ProjectID      string            `json:"project_id"`
	TTLNS          int64             `json:"ttl_ns"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      string            `json:"created_at"`
	LastAccessedAt string            `json:"last_accessed_at"`
	ExpiresAt      string            `json:"expires_at"`
}

// container is the in-memory form of one project file.
type container struct {
	Project *models.Project
	Types   []*models.TaskType
	Tasks   []*models.Task
}

func encodeContainer(c *container) containerDoc {
	doc := containerDoc{
		SchemaVersion: containerSchemaVersion,
		Project:       encodeProject(c.Project),
		Types:         make([]typeDoc, 0, len(c.Types)),
		Tasks:         make([]taskDoc, 0, len(c.Tasks)),
	}
	for _, tt := range c.Types {
		doc.Types = append(doc.Types, encodeType(tt))
	}
	for _, t := range c.Tasks {
		doc.Tasks = append(doc.Tasks, encodeTask(t))
	}
	return doc
}

func decodeContainer(doc containerDoc) (*container, error) {
	p, err := decodeProject(doc.Project)
	if err != nil {
		return nil, err
	}
	c := &container{Project: p}
	for _, td := range doc.Types {
		tt, err := decodeType(td)
		if err != nil {
			return nil, err
		}
		c.Types = append(c.Types, tt)
	}
	for _, td := range doc.Tasks {
		t, err := decodeTask(td)
		if err != nil {
			return nil, err
		}
		c.Tasks = append(c.Tasks, t)
	}
	return c, nil
}

func encodeProject(p *models.Project) projectDoc {
	return projectDoc{
		ID:                p.ID,
		Name:              p.Name,
		Description:       p.Description,
		Instructions:      p.Instructions,
		Status:            string(p.Status),
		DefaultMaxRetries: p.DefaultMaxRetries,
		DefaultLeaseNS:    int64(p.DefaultLease),
		CreatedAt:         storage.FormatTime(p.CreatedAt),
		UpdatedAt:         storage.FormatTime(p.UpdatedAt),
	}
}

func decodeProject(d projectDoc) (*models.Project, error) {
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("project %s created_at: %w", d.ID, err)
	}
	updatedAt, err := storage.ParseTime(d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("project %s updated_at: %w", d.ID, err)
	}
	return &models.Project{
		ID:                d.ID,
		Name:              d.Name,
		Description:       d.Description,
		Instructions:      d.Instructions,
		Status:            models.ProjectStatus(d.Status),
		DefaultMaxRetries: d.DefaultMaxRetries,
		DefaultLease:      durationFromNS(d.DefaultLeaseNS),
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func encodeType(t *models.TaskType) typeDoc {
	return typeDoc{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		Name:            t.Name,
		Template:        t.Template,
		Variables:       append([]string(nil), t.Variables...),
		DuplicatePolicy: string(t.DuplicatePolicy),
		MaxRetries:      t.MaxRetries,
		LeaseNS:         int64(t.LeaseDuration),
		CreatedAt:       storage.FormatTime(t.CreatedAt),
		UpdatedAt:       storage.FormatTime(t.UpdatedAt),
	}
}

func decodeType(d typeDoc) (*models.TaskType, error) {
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("task type %s created_at: %w", d.ID, err)
	}
	updatedAt, err := storage.ParseTime(d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("task type %s updated_at: %w", d.ID, err)
	}
	return &models.TaskType{
		ID:              d.ID,
		ProjectID:       d.ProjectID,
		Name:            d.Name,
		Template:        d.Template,
		Variables:       append([]string(nil), d.Variables...),
		DuplicatePolicy: models.DuplicatePolicy(d.DuplicatePolicy),
		MaxRetries:      d.MaxRetries,
		LeaseDuration:   durationFromNS(d.LeaseNS),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func encodeTask(t *models.Task) taskDoc {
	doc := taskDoc{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		TypeID:         t.TypeID,
		Description:    t.Description,
		Variables:      t.Variables,
		Status:         string(t.Status),
		RetryCount:     t.RetryCount,
		MaxRetries:     t.MaxRetries,
		AssignedTo:     t.AssignedTo,
		AssignedAt:     storage.FormatTimePtr(t.AssignedAt),
		LeaseExpiresAt: storage.FormatTimePtr(t.LeaseExpiresAt),
		Result:         t.Result,
		CreatedAt:      storage.FormatTime(t.CreatedAt),
		UpdatedAt:      storage.FormatTime(t.UpdatedAt),
		CompletedAt:    storage.FormatTimePtr(t.CompletedAt),
		FailedAt:       storage.FormatTimePtr(t.FailedAt),
	}
	for _, a := range t.Attempts {
		doc.Attempts = append(doc.Attempts, attemptDoc{
			Seq:         a.Seq,
			AgentName:   a.AgentName,
			Status:      string(a.Status),
			Result:      a.Result,
			StartedAt:   storage.FormatTime(a.StartedAt),
			CompletedAt: storage.FormatTimePtr(a.CompletedAt),
		})
	}
	return doc
}

func decodeTask(d taskDoc) (*models.Task, error) {
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", d.ID, err)
	}
	updatedAt, err := storage.ParseTime(d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", d.ID, err)
	}
	assignedAt, err := storage.ParseTimePtr(d.AssignedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s assigned_at: %w", d.ID, err)
	}
	leaseExpiresAt, err := storage.ParseTimePtr(d.LeaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("task %s lease_expires_at: %w", d.ID, err)
	}
	completedAt, err := storage.ParseTimePtr(d.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s completed_at: %w", d.ID, err)
	}
	failedAt, err := storage.ParseTimePtr(d.FailedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s failed_at: %w", d.ID, err)
	}
	task := &models.Task{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		TypeID:         d.TypeID,
		Description:    d.Description,
		Variables:      d.Variables,
		Status:         models.TaskStatus(d.Status),
		RetryCount:     d.RetryCount,
		MaxRetries:     d.MaxRetries,
		AssignedTo:     d.AssignedTo,
		AssignedAt:     assignedAt,
		LeaseExpiresAt: leaseExpiresAt,
		Result:         d.Result,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		CompletedAt:    completedAt,
		FailedAt:       failedAt,
	}
	for _, a := range d.Attempts {
		startedAt, err := storage.ParseTime(a.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("task %s attempt %d started_at: %w", d.ID, a.Seq, err)
		}
		attemptCompletedAt, err := storage.ParseTimePtr(a.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("task %s attempt %d completed_at: %w", d.ID, a.Seq, err)
		}
		task.Attempts = append(task.Attempts, models.TaskAttempt{
			Seq:         a.Seq,
			AgentName:   a.AgentName,
			Status:      models.AttemptStatus(a.Status),
			Result:      a.Result,
			StartedAt:   startedAt,
			CompletedAt: attemptCompletedAt,
		})
	}
	return task, nil
}

func encodeSession(sess *models.Session) sessionDoc {
	return sessionDoc{
		Token:          sess.Token,
		AgentName:      sess.AgentName,
		ProjectID:      sess.ProjectID,
		TTLNS:          int64(sess.TTL),
		Data:           sess.Data,
		CreatedAt:      storage.FormatTime(sess.CreatedAt),
		LastAccessedAt: storage.FormatTime(sess.LastAccessedAt),
		ExpiresAt:      storage.FormatTime(sess.ExpiresAt),
	}
}

func decodeSession(d sessionDoc) (*models.Session, error) {
	createdAt, err := storage.ParseTime(d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("session %s created_at: %w", d.Token, err)
	}
	lastAccessedAt, err := storage.ParseTime(d.LastAccessedAt)
	if err != nil {
		return nil, fmt.Errorf("session %s last_accessed_at: %w", d.Token, err)
	}
	expiresAt, err := storage.ParseTime(d.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("session %s expires_at: %w", d.Token, err)
	}
	return &models.Session{
		Token:          d.Token,
		AgentName:      d.AgentName,
		ProjectID:      d.ProjectID,
		TTL:            durationFromNS(d.TTLNS),
		Data:           d.Data,
		CreatedAt:      createdAt,
		LastAccessedAt: lastAccessedAt,
		ExpiresAt:      expiresAt,
	}, nil
}

func durationFromNS(ns int64) time.Duration { return time.Duration(ns) }

// atomicWriteFile writes data through a temp file in the same directory,
// renames it over path, then reads the result back and compares bytes. A
// mismatch surfaces as ErrStorageUnavailable so callers treat the write as
// failed rather than trusting a torn file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: verify read after write: %v", models.ErrStorageUnavailable, err)
	}
	if !bytes.Equal(written, data) {
		return fmt.Errorf("%w: post-write verification mismatch for %s", models.ErrStorageUnavailable, path)
	}
	return nil
}
