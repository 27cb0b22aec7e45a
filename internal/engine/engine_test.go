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

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairagro/arcstore/internal/arcstore"
	"github.com/fairagro/arcstore/internal/docstore"
	"github.com/fairagro/arcstore/internal/document"
	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/hash"
	"github.com/fairagro/arcstore/internal/rocrate"
)

const crateTemplate = `{
  "@context": "https://w3id.org/ro/crate/1.1/context",
  "@graph": [
    {
      "@id": "ro-crate-metadata.json",
      "conformsTo": {"@id": "https://w3id.org/ro/crate/1.1"},
      "about": {"@id": "./"}
    },
    {
      "@id": "./",
      "@type": "Dataset",
      "identifier": %q,
      "name": %q
    }
  ]
}`

func crateJSON(identifier, name string) []byte {
	return []byte(fmt.Sprintf(crateTemplate, identifier, name))
}

func rootName(t *testing.T, crate *rocrate.Crate) string {
	t.Helper()
	graph, ok := crate.Content()["@graph"].([]any)
	require.True(t, ok)
	for _, node := range graph {
		if m, ok := node.(map[string]any); ok && m["@id"] == "./" {
			name, _ := m["name"].(string)
			return name
		}
	}
	return ""
}

// fakeDocs is an in-memory document store with the same transition
// semantics as the CouchDB one, minus the event log.
type fakeDocs struct {
	mu      sync.Mutex
	docs    map[string]*document.ArcDocument
	queued  []string
	results map[string][]docstore.GitResult
	missing []string
	deleted map[string]string
	invalid map[string]string
	closed  map[string]document.HarvestStatistics
}

var _ docstore.Store = &fakeDocs{}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:    map[string]*document.ArcDocument{},
		results: map[string][]docstore.GitResult{},
		deleted: map[string]string{},
		invalid: map[string]string{},
		closed:  map[string]document.HarvestStatistics{},
	}
}

func (f *fakeDocs) seed(arcID, rdi string, status document.Status, missingSince *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[arcID] = &document.ArcDocument{
		ID:         document.DocumentID(arcID),
		DocType:    document.DocTypeArc,
		RDI:        rdi,
		ArcContent: map[string]any{"@context": "ctx"},
		Metadata: document.ArcMetadata{
			ArcHash:      "seeded",
			Status:       status,
			MissingSince: missingSince,
			Git:          document.GitMetadata{Status: document.GitPending},
		},
	}
}

func (f *fakeDocs) StoreARC(ctx context.Context, rdi string, content map[string]any, harvestID string) (*docstore.StoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	arcID := hash.ArcID(rocrate.ExtractIdentifier(content), rdi)
	contentHash, err := hash.Content(content)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	doc := f.docs[arcID]
	if doc == nil {
		f.docs[arcID] = &document.ArcDocument{
			ID:         document.DocumentID(arcID),
			DocType:    document.DocTypeArc,
			RDI:        rdi,
			ArcContent: content,
			Metadata: document.ArcMetadata{
				ArcHash: contentHash,
				Status:  document.StatusActive,
				Git:     document.GitMetadata{Status: document.GitPending},
			},
		}
		return &docstore.StoreResult{ArcID: arcID, IsNew: true, HasChanges: true, ShouldTriggerGit: true}, nil
	}
	if doc.Metadata.ArcHash != contentHash {
		doc.Metadata.ArcHash = contentHash
		doc.ArcContent = content
		doc.Metadata.Status = document.StatusActive
		doc.Metadata.MissingSince = nil
		return &docstore.StoreResult{ArcID: arcID, HasChanges: true, ShouldTriggerGit: true}, nil
	}
	if doc.Metadata.Status == document.StatusMissing || doc.Metadata.Status == document.StatusDeleted {
		doc.Metadata.Status = document.StatusActive
		doc.Metadata.MissingSince = nil
	}
	return &docstore.StoreResult{ArcID: arcID}, nil
}

func (f *fakeDocs) get(arcID string) (*document.ArcDocument, error) {
	doc := f.docs[arcID]
	if doc == nil {
		return nil, errors.E(errors.NotExist, fmt.Errorf("arc %s not found", arcID))
	}
	return doc, nil
}

func (f *fakeDocs) GetContent(ctx context.Context, arcID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return nil, err
	}
	return doc.ArcContent, nil
}

func (f *fakeDocs) GetMetadata(ctx context.Context, arcID string) (*document.ArcMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return nil, err
	}
	meta := doc.Metadata
	return &meta, nil
}

func (f *fakeDocs) GetDocument(ctx context.Context, arcID string) (*document.ArcDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return nil, err
	}
	clone := *doc
	return &clone, nil
}

func (f *fakeDocs) MarkQueued(ctx context.Context, arcID, harvestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return err
	}
	doc.Metadata.Status = document.StatusProcessing
	doc.Metadata.Git.Status = document.GitPending
	f.queued = append(f.queued, arcID)
	return nil
}

func (f *fakeDocs) SetGitResult(ctx context.Context, arcID string, res docstore.GitResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return err
	}
	f.results[arcID] = append(f.results[arcID], res)
	if res.Err != nil {
		doc.Metadata.Git.Status = document.GitFailed
		return nil
	}
	doc.Metadata.Git.Status = document.GitSynced
	if res.CommitSHA != "" {
		doc.Metadata.Git.LastCommitSHA = res.CommitSHA
	}
	if doc.Metadata.Status == document.StatusProcessing {
		doc.Metadata.Status = document.StatusActive
	}
	return nil
}

func (f *fakeDocs) MarkMissing(ctx context.Context, arcID, harvestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return err
	}
	if doc.Metadata.MissingSince == nil {
		now := time.Now().UTC()
		doc.Metadata.MissingSince = &now
	}
	doc.Metadata.Status = document.StatusMissing
	f.missing = append(f.missing, arcID)
	return nil
}

func (f *fakeDocs) MarkDeleted(ctx context.Context, arcID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return err
	}
	doc.Metadata.Status = document.StatusDeleted
	f.deleted[arcID] = reason
	return nil
}

func (f *fakeDocs) MarkInvalid(ctx context.Context, arcID, harvestID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	if err != nil {
		return err
	}
	doc.Metadata.Status = document.StatusInvalid
	f.invalid[arcID] = reason
	return nil
}

func (f *fakeDocs) AddOperatorNote(ctx context.Context, arcID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.get(arcID)
	return err
}

func (f *fakeDocs) ListIDs(ctx context.Context, statuses ...document.Status) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[document.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var ids []string
	for id, doc := range f.docs {
		if len(want) > 0 && !want[doc.Metadata.Status] {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeDocs) OpenHarvest(ctx context.Context, rdi string) (string, error) {
	return "h-fake", nil
}

func (f *fakeDocs) CloseHarvest(ctx context.Context, harvestID string, stats document.HarvestStatistics, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[harvestID] = stats
	return nil
}

func (f *fakeDocs) CheckHealth(ctx context.Context) error { return nil }

func (f *fakeDocs) status(t *testing.T, arcID string) document.Status {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	require.NoError(t, err)
	return doc.Metadata.Status
}

func (f *fakeDocs) git(t *testing.T, arcID string) document.GitMetadata {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.get(arcID)
	require.NoError(t, err)
	return doc.Metadata.Git
}

func (f *fakeDocs) lastResult(t *testing.T, arcID string) docstore.GitResult {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	results := f.results[arcID]
	require.NotEmpty(t, results, "no git result recorded for %s", arcID)
	return results[len(results)-1]
}

// fakeArcs counts pushes. The started/gate channels, when set, let a
// test hold a sync mid-flight.
type fakeArcs struct {
	mu     sync.Mutex
	count  int
	crates []*rocrate.Crate
	errs   []error // popped per call, nil or missing means success
	sha    string

	started chan string
	gate    chan struct{}
}

var _ arcstore.Store = &fakeArcs{}

func (f *fakeArcs) CreateOrUpdate(ctx context.Context, arcID string, crate *rocrate.Crate) (string, error) {
	if f.started != nil {
		f.started <- arcID
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.crates = append(f.crates, crate)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.sha, nil
}

func (f *fakeArcs) Get(ctx context.Context, arcID string) (*rocrate.Crate, error) {
	return nil, errors.E(errors.NotExist, fmt.Errorf("arc %s not found", arcID))
}

func (f *fakeArcs) Delete(ctx context.Context, arcID string) error { return nil }

func (f *fakeArcs) CheckHealth(ctx context.Context) error { return nil }

func (f *fakeArcs) Exists(ctx context.Context, arcID string) (bool, error) {
	return false, nil
}

func (f *fakeArcs) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeArcs) lastCrate(t *testing.T) *rocrate.Crate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.crates)
	return f.crates[len(f.crates)-1]
}

func newTestEngine(t *testing.T, fd *fakeDocs, fa *fakeArcs, cfg Config) *Engine {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 4 * time.Millisecond
	}
	e := New(fd, fa, cfg)
	t.Cleanup(e.Close)
	return e
}

func TestIngestNewQueuesSync(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{sha: "f00dcafe"}
	e := newTestEngine(t, fd, fa, Config{})

	res, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.True(t, res.HasChanges)
	assert.True(t, res.Queued)
	assert.Equal(t, hash.ArcID("doi:10.1/x", "edaphobase"), res.ArcID)

	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 1, fa.calls())
	assert.Equal(t, []string{res.ArcID}, fd.queued)

	git := fd.git(t, res.ArcID)
	assert.Equal(t, document.GitSynced, git.Status)
	assert.Equal(t, "f00dcafe", git.LastCommitSHA)
	assert.Equal(t, document.StatusActive, fd.status(t, res.ArcID))
}

func TestIngestUnchangedSkipsGit(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{sha: "f00dcafe"}
	e := newTestEngine(t, fd, fa, Config{})

	raw := crateJSON("doi:10.1/x", "v1")
	_, err := e.Ingest(ctx, "edaphobase", raw, "h-1")
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	res, err := e.Ingest(ctx, "edaphobase", raw, "h-2")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.False(t, res.HasChanges)
	assert.False(t, res.Queued)

	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 1, fa.calls(), "unchanged content must not push")
	assert.Len(t, fd.queued, 1)
}

func TestIngestRejectsUnknownRDI(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{}
	e := newTestEngine(t, fd, fa, Config{KnownRDIs: []string{"edaphobase", "bonares"}})

	_, err := e.Ingest(ctx, "mystery", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Permission, err), "want Permission, got %v", err)

	_, err = e.Ingest(ctx, "bonares", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
}

func TestIngestParseErrorCountsAgainstHarvest(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{}
	e := newTestEngine(t, fd, fa, Config{})

	_, err := e.Ingest(ctx, "edaphobase", []byte("not json at all"), "h-1")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "want Invalid, got %v", err)

	stats, err := e.FinishHarvest(ctx, "edaphobase", "h-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ArcsSubmitted)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, fa.calls())
}

func TestIngestInvalidGraphMarksDocument(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{}
	e := newTestEngine(t, fd, fa, Config{})

	// A crate whose @graph is broken cannot name its identifier, so it
	// maps to the unknown-identifier document of its RDI.
	arcID := hash.ArcID(rocrate.UnknownIdentifier, "edaphobase")
	fd.seed(arcID, "edaphobase", document.StatusActive, nil)

	_, err := e.Ingest(ctx, "edaphobase", []byte(`{"@context": "ctx", "@graph": {"@id": "./"}}`), "h-1")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "want Invalid, got %v", err)

	assert.Equal(t, document.StatusInvalid, fd.status(t, arcID))
	assert.Contains(t, fd.invalid[arcID], "not a list")
	assert.Equal(t, 0, fa.calls())
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	transient := errors.E(errors.Op("gitstore.CreateOrUpdate"), errors.Transient, fmt.Errorf("remote hung up"))
	fa := &fakeArcs{sha: "c0ffee00", errs: []error{transient, transient}}
	e := newTestEngine(t, fd, fa, Config{})

	res, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, 3, fa.calls(), "two transient failures then success")
	last := fd.lastResult(t, res.ArcID)
	assert.NoError(t, last.Err)
	assert.Equal(t, "c0ffee00", last.CommitSHA)
	assert.Equal(t, document.GitSynced, fd.git(t, res.ArcID).Status)
}

func TestSyncDoesNotRetryFatalFailures(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fatal := errors.E(errors.Op("gitlabstore.CreateOrUpdate"), errors.Git, fmt.Errorf("protected branch"))
	fa := &fakeArcs{errs: []error{fatal}}
	e := newTestEngine(t, fd, fa, Config{})

	res, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, 1, fa.calls(), "fatal errors must not be retried")
	last := fd.lastResult(t, res.ArcID)
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "protected branch")
	assert.Equal(t, document.GitFailed, fd.git(t, res.ArcID).Status)
}

func TestSyncExhaustionRecordsLastError(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	transient := errors.E(errors.Op("gitstore.CreateOrUpdate"), errors.Transient, fmt.Errorf("remote hung up"))
	fa := &fakeArcs{errs: []error{transient, transient, transient}}
	e := newTestEngine(t, fd, fa, Config{RetryAttempts: 3})

	res, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, 3, fa.calls())
	last := fd.lastResult(t, res.ArcID)
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "remote hung up")
	assert.Equal(t, document.GitFailed, fd.git(t, res.ArcID).Status)
}

func TestConcurrentIngestsCoalescePerArc(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{
		sha:     "c0ffee00",
		started: make(chan string),
		gate:    make(chan struct{}),
	}
	e := newTestEngine(t, fd, fa, Config{Workers: 2})

	_, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
	<-fa.started // first sync is now mid-flight

	// Two more revisions arrive while the push runs. They coalesce into
	// one follow-up sync of whatever is stored by then.
	_, err = e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v2"), "h-1")
	require.NoError(t, err)
	_, err = e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v3"), "h-1")
	require.NoError(t, err)

	fa.gate <- struct{}{} // release the first sync
	<-fa.started          // the dirty re-run starts
	fa.gate <- struct{}{} // release it

	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 2, fa.calls(), "three ingests, two pushes")
	assert.Equal(t, "v3", rootName(t, fa.lastCrate(t)), "the re-run pushes the latest content")
}

func TestDistinctArcsSyncIndependently(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{sha: "c0ffee00"}
	e := newTestEngine(t, fd, fa, Config{Workers: 4})

	const n = 20
	for i := 0; i < n; i++ {
		_, err := e.Ingest(ctx, "edaphobase", crateJSON(fmt.Sprintf("doi:10.1/x%d", i), "v1"), "h-1")
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, n, fa.calls())
}

func TestFinishHarvestSweep(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{sha: "c0ffee00"}
	e := newTestEngine(t, fd, fa, Config{AutoMarkDeleted: true})

	old := time.Now().UTC().Add(-4 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-24 * time.Hour)
	fd.seed("arc-seen", "edaphobase", document.StatusActive, nil)
	fd.seed("arc-gone", "edaphobase", document.StatusActive, nil)
	fd.seed("arc-other", "bonares", document.StatusActive, nil)
	fd.seed("arc-long-missing", "edaphobase", document.StatusMissing, &old)
	fd.seed("arc-fresh-missing", "edaphobase", document.StatusMissing, &recent)

	res, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-7")
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	seen := map[string]bool{res.ArcID: true, "arc-seen": true}
	stats, err := e.FinishHarvest(ctx, "edaphobase", "h-7", seen)
	require.NoError(t, err)

	assert.Equal(t, document.StatusMissing, fd.status(t, "arc-gone"))
	assert.Equal(t, []string{"arc-gone"}, fd.missing)
	assert.Equal(t, document.StatusActive, fd.status(t, "arc-seen"))
	assert.Equal(t, document.StatusActive, fd.status(t, "arc-other"), "other RDIs are untouched")

	assert.Equal(t, document.StatusDeleted, fd.status(t, "arc-long-missing"))
	assert.Equal(t, "missing for more than 3 days", fd.deleted["arc-long-missing"])
	assert.Equal(t, document.StatusMissing, fd.status(t, "arc-fresh-missing"), "grace period not over")

	assert.Equal(t, 1, stats.ArcsSubmitted)
	assert.Equal(t, 1, stats.ArcsNew)
	assert.Equal(t, 1, stats.ArcsMissing)
	assert.Equal(t, *stats, fd.closed["h-7"])
}

func TestSweepWithoutHarvest(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{}
	e := newTestEngine(t, fd, fa, Config{})

	old := time.Now().UTC().Add(-4 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-24 * time.Hour)
	fd.seed("arc-long-missing", "edaphobase", document.StatusMissing, &old)
	fd.seed("arc-fresh-missing", "edaphobase", document.StatusMissing, &recent)
	fd.seed("arc-foreign", "bonares", document.StatusMissing, &old)

	deleted, err := e.Sweep(ctx, "edaphobase")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, document.StatusDeleted, fd.status(t, "arc-long-missing"))
	assert.Equal(t, document.StatusMissing, fd.status(t, "arc-fresh-missing"))
	assert.Equal(t, document.StatusMissing, fd.status(t, "arc-foreign"), "other RDIs are untouched")
}

func TestCloseRejectsNewWork(t *testing.T) {
	ctx := context.Background()
	fd := newFakeDocs()
	fa := &fakeArcs{sha: "c0ffee00"}
	e := New(fd, fa, Config{RetryDelay: time.Millisecond})

	_, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v1"), "h-1")
	require.NoError(t, err)
	e.Close()
	assert.Equal(t, 1, fa.calls(), "close drains queued work")

	res, err := e.Ingest(ctx, "edaphobase", crateJSON("doi:10.1/x", "v2"), "h-1")
	require.NoError(t, err, "the document write still happens")
	assert.True(t, res.HasChanges)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, fa.calls())

	e.Close() // closing twice is fine
}
