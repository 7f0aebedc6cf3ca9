package models

import (
	"fmt"
	"strings"
)

const (
	AssociationsCollection = "associations"
	QueueCollection        = "emailQueue"
)

// JobRef identifies a job document. Path is the store's document path when
// known, e.g. associations/{aid}/emailQueue/{id}.
type JobRef struct {
	AssociationID string `json:"associationId"`
	JobID         string `json:"jobId"`
	Path          string `json:"path,omitempty"`
}

func NewJobRef(associationID, jobID string) JobRef {
	return JobRef{
		AssociationID: associationID,
		JobID:         jobID,
		Path:          JobPath(associationID, jobID),
	}
}

func (r JobRef) String() string {
	if r.Path != "" {
		return r.Path
	}
	return JobPath(r.AssociationID, r.JobID)
}

// Association returns the owning association id from the ref or its path.
func (r JobRef) Association() string {
	if r.AssociationID != "" {
		return r.AssociationID
	}
	return AssociationFromPath(r.Path)
}

func JobPath(associationID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", AssociationsCollection, associationID, QueueCollection, jobID)
}

// AssociationFromPath extracts {aid} from any path containing
// associations/{aid}/..., including fully qualified Firestore names.
func AssociationFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == AssociationsCollection && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}

// JobSignal asks a worker to process one job. Hint is an optional association
// id supplied by the trigger.
type JobSignal struct {
	Ref  JobRef
	Hint string
}
