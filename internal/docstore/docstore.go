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

// Package docstore keeps the authoritative lifecycle record of every
// ARC: its latest content, a content hash for change detection, its
// status, and an event log. The Git side holds the files; this store
// decides whether a harvest observation changed anything at all.
package docstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/document"
)

var tracer = otel.Tracer("docstore")

// Store records harvest observations and lifecycle transitions.
type Store interface {
	// StoreARC applies one harvest observation: it creates the document
	// on first sight, refreshes it on content change, and otherwise only
	// bumps the last-seen bookkeeping.
	StoreARC(ctx context.Context, rdi string, content map[string]any, harvestID string) (*StoreResult, error)

	// GetContent returns the stored crate content. NotExist when the ARC
	// is unknown.
	GetContent(ctx context.Context, arcID string) (map[string]any, error)

	// GetMetadata returns the lifecycle metadata of an ARC.
	GetMetadata(ctx context.Context, arcID string) (*document.ArcMetadata, error)

	// GetDocument returns the complete stored document.
	GetDocument(ctx context.Context, arcID string) (*document.ArcDocument, error)

	// MarkQueued records that a Git sync was enqueued for the ARC.
	MarkQueued(ctx context.Context, arcID, harvestID string) error

	// SetGitResult records the outcome of a Git sync attempt.
	SetGitResult(ctx context.Context, arcID string, res GitResult) error

	// MarkMissing flags an ARC that a harvest of its RDI did not report.
	MarkMissing(ctx context.Context, arcID, harvestID string) error

	// MarkDeleted soft-deletes an ARC. The document is kept.
	MarkDeleted(ctx context.Context, arcID, reason string) error

	// MarkInvalid flags an ARC whose latest submission failed validation.
	// The stored content keeps the last valid observation.
	MarkInvalid(ctx context.Context, arcID, harvestID, reason string) error

	// AddOperatorNote appends a free-form note to the event log.
	AddOperatorNote(ctx context.Context, arcID, note string) error

	// ListIDs returns the ids of all ARCs, restricted to the given
	// statuses when any are named.
	ListIDs(ctx context.Context, statuses ...document.Status) ([]string, error)

	// OpenHarvest starts a harvest run for an RDI and returns its id.
	OpenHarvest(ctx context.Context, rdi string) (string, error)

	// CloseHarvest finishes a harvest run with its statistics.
	CloseHarvest(ctx context.Context, harvestID string, stats document.HarvestStatistics, failed bool) error

	// CheckHealth reports whether the store is reachable and set up.
	CheckHealth(ctx context.Context) error
}

// StoreResult reports what one StoreARC observation changed.
type StoreResult struct {
	ArcID      string
	IsNew      bool
	HasChanges bool

	// ShouldTriggerGit is true when the observation needs a Git sync.
	// It equals HasChanges: a new document always counts as changed, an
	// unchanged-but-restored document does not, its files are already
	// in Git.
	ShouldTriggerGit bool
}

// GitResult is the outcome of one Git sync attempt.
type GitResult struct {
	// CommitSHA is the pushed commit. Empty when the push was a no-op.
	CommitSHA string

	// Err is nil on success.
	Err error
}

// Config configures the CouchDB-backed store.
type Config struct {
	// URL of the CouchDB server, without credentials.
	URL string

	// Database name. Defaults to "arc_documents".
	Database string

	Username string
	Password string

	// MaxEventLogSize caps the per-ARC event log. Defaults to 50.
	MaxEventLogSize int

	// Harvest is the sweep policy recorded with each harvest run.
	Harvest document.HarvestConfig
}

const (
	defaultDatabase        = "arc_documents"
	defaultMaxEventLogSize = 50
)

// applyStore applies one harvest observation to a document, creating it
// when existing is nil. It returns the document to save and the outcome.
func applyStore(existing *document.ArcDocument, arcID, rdi string, content map[string]any, contentHash, harvestID string, now time.Time, maxEvents int) (*document.ArcDocument, *StoreResult) {
	now = now.UTC()

	if existing == nil {
		doc := &document.ArcDocument{
			ID:         document.DocumentID(arcID),
			DocType:    document.DocTypeArc,
			RDI:        rdi,
			ArcContent: content,
			Metadata: document.ArcMetadata{
				ArcHash:       contentHash,
				Status:        document.StatusActive,
				FirstSeen:     now,
				LastSeen:      now,
				LastHarvestID: harvestID,
				Git:           document.GitMetadata{Status: document.GitPending},
			},
		}
		doc.Metadata.AppendEvent(document.NewEvent(now, document.EventArcCreated, "ARC first seen", harvestID), maxEvents)
		klog.Infof("ARC %s is new (hash: %.8s)", arcID, contentHash)
		return doc, &StoreResult{ArcID: arcID, IsNew: true, HasChanges: true, ShouldTriggerGit: true}
	}

	doc := existing
	meta := &doc.Metadata
	prior := meta.Status
	meta.LastSeen = now
	meta.LastHarvestID = harvestID

	if meta.ArcHash != contentHash {
		klog.Infof("ARC %s changed (old: %.8s, new: %.8s)", arcID, meta.ArcHash, contentHash)
		meta.ArcHash = contentHash
		meta.Status = document.StatusActive
		meta.MissingSince = nil
		doc.ArcContent = content
		meta.AppendEvent(document.NewEvent(now, document.EventArcUpdated, "ARC content updated", harvestID), maxEvents)
		return doc, &StoreResult{ArcID: arcID, HasChanges: true, ShouldTriggerGit: true}
	}

	klog.V(2).Infof("ARC %s unchanged", arcID)
	if prior == document.StatusMissing || prior == document.StatusDeleted {
		klog.Infof("ARC %s reappeared (was %s)", arcID, prior)
		meta.Status = document.StatusActive
		meta.MissingSince = nil
		meta.AppendEvent(document.NewEvent(now, document.EventArcRestored, "ARC reappeared after being missing/deleted", harvestID), maxEvents)
	}
	return doc, &StoreResult{ArcID: arcID}
}
