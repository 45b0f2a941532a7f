package models

import "errors"

// Submission statuses returned by POST /api/ai/analyze.
const (
	SubmitStatusQueued    = "queued"
	SubmitStatusCompleted = "completed"
	SubmitStatusNoModel   = "no_model"
)

// SubmitResponse is the body of POST /api/ai/analyze.
type SubmitResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"jobId,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ModelInfo describes one analysis model the remote service can run.
type ModelInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Modalities  []string `json:"modalities,omitempty"`
	BodyParts   []string `json:"bodyParts,omitempty"`
	Version     string   `json:"version,omitempty"`
}

// ServiceConfig is the body of GET /api/ai/config.
type ServiceConfig struct {
	Models     []ModelInfo `json:"models"`
	GitHubRepo string      `json:"githubRepo"`
}

// Feedback is a clinician's rating of a completed analysis.
type Feedback struct {
	Accuracy   int    `json:"accuracy"`
	Usefulness int    `json:"usefulness"`
	Comments   string `json:"comments"`
	Approved   bool   `json:"approved"`
	Modality   string `json:"modality,omitempty"`
	BodyPart   string `json:"bodyPart,omitempty"`
}

// Validate checks that both ratings are on the 1 to 5 scale.
func (f Feedback) Validate() error {
	if f.Accuracy < 1 || f.Accuracy > 5 {
		return errors.New("accuracy must be between 1 and 5")
	}
	if f.Usefulness < 1 || f.Usefulness > 5 {
		return errors.New("usefulness must be between 1 and 5")
	}
	return nil
}
