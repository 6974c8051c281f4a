package memstore

import (
	"encoding/json"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
)

// Records are deep-copied on every boundary crossing so callers can never
// alias internal state. Cheap at broker scale and it keeps the memstore's
// observable behavior identical to the serializing backends.

func cloneProject(p *models.Project) *models.Project {
	cp := *p
	return &cp
}

func cloneType(tt *models.TaskType) *models.TaskType {
	cp := *tt
	cp.Variables = append([]string(nil), tt.Variables...)
	return &cp
}

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	cp.Variables = cloneStringMap(t.Variables)
	cp.Result = cloneRaw(t.Result)
	cp.AssignedAt = cloneTime(t.AssignedAt)
	cp.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.FailedAt = cloneTime(t.FailedAt)
	if t.Attempts != nil {
		cp.Attempts = make([]models.TaskAttempt, len(t.Attempts))
		for i, a := range t.Attempts {
			cp.Attempts[i] = a
			cp.Attempts[i].Result = cloneRaw(a.Result)
			cp.Attempts[i].CompletedAt = cloneTime(a.CompletedAt)
		}
	}
	return &cp
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	cp.Data = cloneStringMap(s.Data)
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
