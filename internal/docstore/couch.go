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

package docstore

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/document"
	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/hash"
	"github.com/fairagro/arcstore/internal/rocrate"
)

// CouchStore implements Store on a CouchDB database.
type CouchStore struct {
	client    *kivik.Client
	db        *kivik.DB
	maxEvents int
	harvest   document.HarvestConfig
	clock     clock.Clock
}

var _ Store = &CouchStore{}

// New connects to CouchDB and ensures the database exists.
func New(ctx context.Context, cfg Config) (*CouchStore, error) {
	const op errors.Op = "docstore.New"

	dsn, err := dsnWithCredentials(cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, errors.E(op, errors.DocStore, err)
	}
	up, err := client.Ping(ctx)
	if err != nil {
		return nil, errors.E(op, errors.Transient, err)
	}
	if !up {
		return nil, errors.E(op, errors.Transient, fmt.Errorf("couchdb at %s reports not up", cfg.URL))
	}

	name := cfg.Database
	if name == "" {
		name = defaultDatabase
	}
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return nil, errors.E(op, errors.DocStore, err)
	}
	if !exists {
		klog.Infof("Creating database %s", name)
		if err := client.CreateDB(ctx, name); err != nil {
			return nil, errors.E(op, errors.DocStore, err)
		}
	}

	maxEvents := cfg.MaxEventLogSize
	if maxEvents == 0 {
		maxEvents = defaultMaxEventLogSize
	}
	return &CouchStore{
		client:    client,
		db:        client.DB(name),
		maxEvents: maxEvents,
		harvest:   cfg.Harvest,
		clock:     clock.WallClock,
	}, nil
}

// Close releases the client connections.
func (s *CouchStore) Close() error {
	return s.client.Close()
}

// dsnWithCredentials injects basic-auth credentials into the server URL.
func dsnWithCredentials(rawURL, username, password string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("couchdb url is empty")
	}
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if username != "" {
		u.User = neturl.UserPassword(username, password)
	}
	return u.String(), nil
}

func (s *CouchStore) StoreARC(ctx context.Context, rdi string, content map[string]any, harvestID string) (*StoreResult, error) {
	const op errors.Op = "docstore.StoreARC"
	ctx, span := tracer.Start(ctx, "CouchStore::StoreARC", trace.WithAttributes(
		attribute.String("rdi", rdi),
		attribute.String("harvest_id", harvestID),
	))
	defer span.End()

	arcID := hash.ArcID(rocrate.ExtractIdentifier(content), rdi)
	span.SetAttributes(attribute.String("arc_id", arcID))
	contentHash, err := hash.Content(content)
	if err != nil {
		return nil, errors.E(op, errors.Resource(arcID), errors.Invalid, err)
	}
	docID := document.DocumentID(arcID)

	// A concurrent writer between read and write shows up as a 409.
	// Re-read once and re-apply; a second conflict is surfaced.
	for attempt := 0; ; attempt++ {
		existing, err := s.getArc(ctx, docID)
		if err != nil && !errors.Is(errors.NotExist, err) {
			return nil, errors.E(op, errors.Resource(arcID), err)
		}
		doc, result := applyStore(existing, arcID, rdi, content, contentHash, harvestID, s.clock.Now(), s.maxEvents)
		if _, err := s.db.Put(ctx, docID, doc); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict && attempt == 0 {
				klog.V(2).Infof("Write conflict on %s, retrying", docID)
				continue
			}
			return nil, errors.E(op, errors.Resource(arcID), errors.DocStore, err)
		}
		span.SetAttributes(
			attribute.Bool("is_new", result.IsNew),
			attribute.Bool("has_changes", result.HasChanges),
		)
		return result, nil
	}
}

func (s *CouchStore) GetContent(ctx context.Context, arcID string) (map[string]any, error) {
	const op errors.Op = "docstore.GetContent"
	ctx, span := tracer.Start(ctx, "CouchStore::GetContent", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	doc, err := s.getArc(ctx, document.DocumentID(arcID))
	if err != nil {
		return nil, errors.E(op, errors.Resource(arcID), err)
	}
	return doc.ArcContent, nil
}

func (s *CouchStore) GetMetadata(ctx context.Context, arcID string) (*document.ArcMetadata, error) {
	const op errors.Op = "docstore.GetMetadata"
	ctx, span := tracer.Start(ctx, "CouchStore::GetMetadata", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	doc, err := s.getArc(ctx, document.DocumentID(arcID))
	if err != nil {
		return nil, errors.E(op, errors.Resource(arcID), err)
	}
	meta := doc.Metadata
	return &meta, nil
}

func (s *CouchStore) GetDocument(ctx context.Context, arcID string) (*document.ArcDocument, error) {
	const op errors.Op = "docstore.GetDocument"
	ctx, span := tracer.Start(ctx, "CouchStore::GetDocument", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	doc, err := s.getArc(ctx, document.DocumentID(arcID))
	if err != nil {
		return nil, errors.E(op, errors.Resource(arcID), err)
	}
	return doc, nil
}

func (s *CouchStore) MarkQueued(ctx context.Context, arcID, harvestID string) error {
	const op errors.Op = "docstore.MarkQueued"
	ctx, span := tracer.Start(ctx, "CouchStore::MarkQueued", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	return s.update(ctx, op, arcID, func(now time.Time, doc *document.ArcDocument) {
		doc.Metadata.Status = document.StatusProcessing
		doc.Metadata.Git.Status = document.GitPending
		doc.Metadata.AppendEvent(document.NewEvent(now, document.EventGitQueued, "Git sync queued", harvestID), s.maxEvents)
	})
}

func (s *CouchStore) SetGitResult(ctx context.Context, arcID string, res GitResult) error {
	const op errors.Op = "docstore.SetGitResult"
	ctx, span := tracer.Start(ctx, "CouchStore::SetGitResult", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	return s.update(ctx, op, arcID, func(now time.Time, doc *document.ArcDocument) {
		meta := &doc.Metadata
		if res.Err != nil {
			meta.Git.Status = document.GitFailed
			meta.AppendEvent(document.NewEvent(now, document.EventGitPushFailed, fmt.Sprintf("Git push failed: %v", res.Err), ""), s.maxEvents)
			klog.Warningf("ARC %s git push failed: %v", arcID, res.Err)
			return
		}

		t := now
		meta.Git.LastPush = &t
		meta.Git.Status = document.GitSynced
		e := document.NewEvent(now, document.EventGitPushSuccess, "Git push succeeded", "")
		if res.CommitSHA != "" {
			meta.Git.LastCommitSHA = res.CommitSHA
			e.Metadata = map[string]any{"commit_sha": res.CommitSHA}
		}
		meta.AppendEvent(e, s.maxEvents)
		if meta.Status == document.StatusProcessing {
			meta.Status = document.StatusActive
		}
		if res.CommitSHA != "" {
			klog.Infof("ARC %s synced (commit %.8s)", arcID, res.CommitSHA)
		} else {
			klog.Infof("ARC %s synced (nothing to push)", arcID)
		}
	})
}

func (s *CouchStore) MarkMissing(ctx context.Context, arcID, harvestID string) error {
	const op errors.Op = "docstore.MarkMissing"
	ctx, span := tracer.Start(ctx, "CouchStore::MarkMissing", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	return s.update(ctx, op, arcID, func(now time.Time, doc *document.ArcDocument) {
		meta := &doc.Metadata
		if meta.MissingSince == nil {
			t := now
			meta.MissingSince = &t
			meta.AppendEvent(document.NewEvent(now, document.EventArcNotSeen, "ARC not seen in harvest", harvestID), s.maxEvents)
		}
		meta.Status = document.StatusMissing
		meta.AppendEvent(document.NewEvent(now, document.EventArcMarkedMissing, "ARC marked missing", harvestID), s.maxEvents)
		klog.Infof("ARC %s marked missing", arcID)
	})
}

func (s *CouchStore) MarkDeleted(ctx context.Context, arcID, reason string) error {
	const op errors.Op = "docstore.MarkDeleted"
	ctx, span := tracer.Start(ctx, "CouchStore::MarkDeleted", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	return s.update(ctx, op, arcID, func(now time.Time, doc *document.ArcDocument) {
		msg := "ARC marked deleted"
		if reason != "" {
			msg += ": " + reason
		}
		doc.Metadata.Status = document.StatusDeleted
		doc.Metadata.AppendEvent(document.NewEvent(now, document.EventArcMarkedDeleted, msg, ""), s.maxEvents)
		klog.Infof("ARC %s marked deleted", arcID)
	})
}

func (s *CouchStore) MarkInvalid(ctx context.Context, arcID, harvestID, reason string) error {
	const op errors.Op = "docstore.MarkInvalid"
	ctx, span := tracer.Start(ctx, "CouchStore::MarkInvalid", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	return s.update(ctx, op, arcID, func(now time.Time, doc *document.ArcDocument) {
		doc.Metadata.Status = document.StatusInvalid
		doc.Metadata.AppendEvent(document.NewEvent(now, document.EventValidationError, fmt.Sprintf("Validation failed: %s", reason), harvestID), s.maxEvents)
		klog.Warningf("ARC %s marked invalid: %s", arcID, reason)
	})
}

func (s *CouchStore) AddOperatorNote(ctx context.Context, arcID, note string) error {
	const op errors.Op = "docstore.AddOperatorNote"
	ctx, span := tracer.Start(ctx, "CouchStore::AddOperatorNote", trace.WithAttributes(attribute.String("arc_id", arcID)))
	defer span.End()

	return s.update(ctx, op, arcID, func(now time.Time, doc *document.ArcDocument) {
		doc.Metadata.AppendEvent(document.NewEvent(now, document.EventOperatorNote, note, ""), s.maxEvents)
	})
}

func (s *CouchStore) ListIDs(ctx context.Context, statuses ...document.Status) ([]string, error) {
	const op errors.Op = "docstore.ListIDs"
	ctx, span := tracer.Start(ctx, "CouchStore::ListIDs")
	defer span.End()

	want := make(map[document.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	rows := s.db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var doc document.ArcDocument
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, errors.E(op, errors.DocStore, err)
		}
		if doc.DocType != document.DocTypeArc {
			continue
		}
		if len(want) > 0 && !want[doc.Metadata.Status] {
			continue
		}
		ids = append(ids, document.ArcIDFromDocumentID(doc.ID))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(op, errors.DocStore, err)
	}
	return ids, nil
}

func (s *CouchStore) OpenHarvest(ctx context.Context, rdi string) (string, error) {
	const op errors.Op = "docstore.OpenHarvest"
	ctx, span := tracer.Start(ctx, "CouchStore::OpenHarvest", trace.WithAttributes(attribute.String("rdi", rdi)))
	defer span.End()

	harvestID := uuid.NewString()
	doc := &document.HarvestDocument{
		ID:        document.HarvestDocumentID(harvestID),
		Type:      document.DocTypeHarvest,
		RDI:       rdi,
		StartedAt: s.clock.Now().UTC(),
		Status:    document.HarvestRunning,
		Config:    s.harvest,
	}
	if _, err := s.db.Put(ctx, doc.ID, doc); err != nil {
		return "", errors.E(op, errors.DocStore, err)
	}
	klog.Infof("Opened harvest %s for RDI %s", harvestID, rdi)
	return harvestID, nil
}

func (s *CouchStore) CloseHarvest(ctx context.Context, harvestID string, stats document.HarvestStatistics, failed bool) error {
	const op errors.Op = "docstore.CloseHarvest"
	ctx, span := tracer.Start(ctx, "CouchStore::CloseHarvest", trace.WithAttributes(attribute.String("harvest_id", harvestID)))
	defer span.End()

	docID := document.HarvestDocumentID(harvestID)
	var doc document.HarvestDocument
	if err := s.db.Get(ctx, docID).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return errors.E(op, errors.NotExist, err)
		}
		return errors.E(op, errors.DocStore, err)
	}

	now := s.clock.Now().UTC()
	doc.CompletedAt = &now
	doc.Status = document.HarvestCompleted
	if failed {
		doc.Status = document.HarvestFailed
	}
	doc.Statistics = stats
	if _, err := s.db.Put(ctx, docID, &doc); err != nil {
		return errors.E(op, errors.DocStore, err)
	}
	klog.Infof("Closed harvest %s (%d new, %d updated, %d unchanged, %d errors)",
		harvestID, stats.ArcsNew, stats.ArcsUpdated, stats.ArcsUnchanged, stats.Errors)
	return nil
}

func (s *CouchStore) CheckHealth(ctx context.Context) error {
	const op errors.Op = "docstore.CheckHealth"
	ctx, span := tracer.Start(ctx, "CouchStore::CheckHealth")
	defer span.End()

	up, err := s.client.Ping(ctx)
	if err != nil {
		return errors.E(op, errors.Transient, err)
	}
	if !up {
		return errors.E(op, errors.Transient, fmt.Errorf("couchdb reports not up"))
	}
	exists, err := s.client.DBExists(ctx, s.db.Name())
	if err != nil {
		return errors.E(op, errors.Transient, err)
	}
	if !exists {
		return errors.E(op, errors.DocStore, fmt.Errorf("database %s does not exist", s.db.Name()))
	}
	return nil
}

// getArc reads one ARC document. 404 maps to NotExist.
func (s *CouchStore) getArc(ctx context.Context, docID string) (*document.ArcDocument, error) {
	var doc document.ArcDocument
	if err := s.db.Get(ctx, docID).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, errors.E(errors.NotExist, err)
		}
		return nil, errors.E(errors.DocStore, err)
	}
	return &doc, nil
}

// update reads the ARC document, applies fn, and writes it back. A
// write conflict is retried once against a fresh read; a second
// conflict is returned as a DocStore error.
func (s *CouchStore) update(ctx context.Context, op errors.Op, arcID string, fn func(now time.Time, doc *document.ArcDocument)) error {
	docID := document.DocumentID(arcID)
	for attempt := 0; ; attempt++ {
		doc, err := s.getArc(ctx, docID)
		if err != nil {
			return errors.E(op, errors.Resource(arcID), err)
		}
		fn(s.clock.Now().UTC(), doc)
		_, err = s.db.Put(ctx, docID, doc)
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict || attempt > 0 {
			return errors.E(op, errors.Resource(arcID), errors.DocStore, err)
		}
		klog.V(2).Infof("Write conflict on %s, retrying", docID)
	}
}
