// Package jobs implements the trusted channel between pipeline workers and
// the jobs coordinator: mutual authentication at session start, job
// registration keyed by descriptor, timeouts, and abort fan-out.
package jobs

import (
	"errors"
	"fmt"
)

// JobType tags the job descriptor variant.
type JobType string

const (
	// JobPackaging processes an uploaded package version.
	JobPackaging JobType = "packaging"
	// JobResource processes an uploaded standalone resource.
	JobResource JobType = "resource"
)

// PackagingData identifies a package version being processed.
type PackagingData struct {
	PackageID      string `json:"packageId"`
	PackageVersion string `json:"packageVersion"`
}

// ResourceData identifies a resource being processed.
type ResourceData struct {
	ResourceID string `json:"resourceId"`
}

// JobData is a tagged variant over the job payloads. Exactly one payload
// matches the type tag.
type JobData struct {
	Type      JobType        `json:"jobType"`
	Packaging *PackagingData `json:"packaging,omitempty"`
	Resource  *ResourceData  `json:"resource,omitempty"`
}

// Validate checks the tag and payload agree.
func (d JobData) Validate() error {
	switch d.Type {
	case JobPackaging:
		if d.Packaging == nil || d.Resource != nil {
			return errors.New("packaging job requires exactly the packaging payload")
		}
		if d.Packaging.PackageID == "" || d.Packaging.PackageVersion == "" {
			return errors.New("packaging job payload is incomplete")
		}
	case JobResource:
		if d.Resource == nil || d.Packaging != nil {
			return errors.New("resource job requires exactly the resource payload")
		}
		if d.Resource.ResourceID == "" {
			return errors.New("resource job payload is incomplete")
		}
	default:
		return fmt.Errorf("unknown job type %q", d.Type)
	}
	return nil
}

// Key renders the job identity. Jobs with equal keys are the same job;
// re-registration is idempotent.
func (d JobData) Key() string {
	switch d.Type {
	case JobPackaging:
		return fmt.Sprintf("%s:%s@%s", d.Type, d.Packaging.PackageID, d.Packaging.PackageVersion)
	case JobResource:
		return fmt.Sprintf("%s:%s", d.Type, d.Resource.ResourceID)
	}
	return string(d.Type)
}

// Channel message actions, in handshake order then steady state.
const (
	ActionTrustKey        = "trust_key"
	ActionPassword        = "password"
	ActionAuthorized      = "authorized"
	ActionJobData         = "job_data"
	ActionJobDataReceived = "job_data_received"
	ActionAbort           = "abort"
	ActionAborting        = "aborting"
	ActionDone            = "done"
	ActionGoodbye         = "goodbye"
)

// Done statuses.
const (
	DoneNormal  = "normal"
	DoneAborted = "aborted"
)

// Message is the channel frame. Payload carries the trust key, the service
// password, or the done status depending on Action.
type Message struct {
	Action  string   `json:"action"`
	Payload string   `json:"payload,omitempty"`
	Job     *JobData `json:"job,omitempty"`
}
