// Copyright 2025 The arcstore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package document defines the documents the store keeps per ARC and per
// harvest run. The JSON tags are the stored form; changing them changes
// the database schema.
package document

import (
	"time"
)

// Status is the lifecycle state of an ARC in the system.
type Status string

const (
	StatusActive     Status = "ACTIVE"     // normal active state
	StatusProcessing Status = "PROCESSING" // Git workflow in progress
	StatusMissing    Status = "MISSING"    // not seen in a recent harvest
	StatusDeleted    Status = "DELETED"    // soft-deleted, never physically removed
	StatusInvalid    Status = "INVALID"    // validation failed
)

// EventType classifies entries in the per-ARC event log.
type EventType string

const (
	EventArcCreated       EventType = "ARC_CREATED"
	EventArcUpdated       EventType = "ARC_UPDATED"
	EventArcNotSeen       EventType = "ARC_NOT_SEEN"
	EventArcMarkedMissing EventType = "ARC_MARKED_MISSING"
	EventArcMarkedDeleted EventType = "ARC_MARKED_DELETED"
	EventArcRestored      EventType = "ARC_RESTORED"

	EventGitQueued      EventType = "GIT_QUEUED"
	EventGitProcessing  EventType = "GIT_PROCESSING"
	EventGitPushSuccess EventType = "GIT_PUSH_SUCCESS"
	EventGitPushFailed  EventType = "GIT_PUSH_FAILED"

	EventValidationWarning EventType = "VALIDATION_WARNING"
	EventValidationError   EventType = "VALIDATION_ERROR"
	EventValidationSuccess EventType = "VALIDATION_SUCCESS"

	EventOperatorNote   EventType = "OPERATOR_NOTE"
	EventManualDeletion EventType = "MANUAL_DELETION"
)

// GitSyncStatus tracks whether the Git store has caught up with the
// document store.
type GitSyncStatus string

const (
	GitPending GitSyncStatus = "PENDING"
	GitSynced  GitSyncStatus = "SYNCED"
	GitFailed  GitSyncStatus = "FAILED"
)

// Event is a single entry in the ARC event log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	HarvestID string         `json:"harvest_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event at the given instant. Timestamps are stored
// in UTC.
func NewEvent(now time.Time, t EventType, message, harvestID string) Event {
	return Event{
		Timestamp: now.UTC(),
		Type:      t,
		Message:   message,
		HarvestID: harvestID,
	}
}

// GitMetadata records the Git side of an ARC.
type GitMetadata struct {
	LastCommitSHA string        `json:"last_commit_sha,omitempty"`
	LastPush      *time.Time    `json:"last_push,omitempty"`
	Status        GitSyncStatus `json:"status"`
}

// ArcMetadata is the lifecycle ledger of one ARC.
type ArcMetadata struct {
	ArcHash       string      `json:"arc_hash"`
	Status        Status      `json:"status"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
	LastHarvestID string      `json:"last_harvest_id,omitempty"`
	MissingSince  *time.Time  `json:"missing_since,omitempty"`
	Events        []Event     `json:"events"`
	Git           GitMetadata `json:"git"`
}

// AppendEvent appends to the event log and trims it to the newest max
// entries. A max of zero or less keeps everything.
func (m *ArcMetadata) AppendEvent(e Event, max int) {
	m.Events = append(m.Events, e)
	if max > 0 && len(m.Events) > max {
		m.Events = m.Events[len(m.Events)-max:]
	}
}

// ArcDocument is the complete per-ARC document.
type ArcDocument struct {
	ID         string         `json:"_id"`
	Rev        string         `json:"_rev,omitempty"`
	DocType    string         `json:"doc_type"`
	RDI        string         `json:"rdi"`
	ArcContent map[string]any `json:"arc_content"`
	Metadata   ArcMetadata    `json:"metadata"`
}

// DocTypeArc is the doc_type discriminator of ArcDocument.
const DocTypeArc = "arc"

// DocumentID returns the database id for an ARC id.
func DocumentID(arcID string) string {
	return "arc_" + arcID
}

// ArcIDFromDocumentID strips the document id prefix. Returns the input
// unchanged when the prefix is absent.
func ArcIDFromDocumentID(docID string) string {
	if len(docID) > 4 && docID[:4] == "arc_" {
		return docID[4:]
	}
	return docID
}

// HarvestStatus is the state of one harvest run.
type HarvestStatus string

const (
	HarvestRunning   HarvestStatus = "RUNNING"
	HarvestCompleted HarvestStatus = "COMPLETED"
	HarvestFailed    HarvestStatus = "FAILED"
	HarvestCancelled HarvestStatus = "CANCELLED"
)

// HarvestStatistics counts the outcomes of a harvest run.
type HarvestStatistics struct {
	ArcsSubmitted int `json:"arcs_submitted"`
	ArcsNew       int `json:"arcs_new"`
	ArcsUpdated   int `json:"arcs_updated"`
	ArcsUnchanged int `json:"arcs_unchanged"`
	ArcsMissing   int `json:"arcs_missing"`
	Errors        int `json:"errors"`
}

// HarvestConfig is the sweep policy recorded with each harvest run.
type HarvestConfig struct {
	GracePeriodDays int  `json:"grace_period_days"`
	AutoMarkDeleted bool `json:"auto_mark_deleted"`
}

// HarvestDocument records one harvest run.
type HarvestDocument struct {
	ID          string            `json:"_id"`
	Rev         string            `json:"_rev,omitempty"`
	Type        string            `json:"type"`
	RDI         string            `json:"rdi"`
	Source      string            `json:"source,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Status      HarvestStatus     `json:"status"`
	Statistics  HarvestStatistics `json:"statistics"`
	Config      HarvestConfig     `json:"config"`
}

// DocTypeHarvest is the type discriminator of HarvestDocument.
const DocTypeHarvest = "harvest"

// HarvestDocumentID returns the database id for a harvest run id.
func HarvestDocumentID(harvestID string) string {
	return "harvest-" + harvestID
}
