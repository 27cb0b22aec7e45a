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

package cmd

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/arcstore"
	"github.com/fairagro/arcstore/internal/config"
	"github.com/fairagro/arcstore/internal/docstore"
	"github.com/fairagro/arcstore/internal/engine"
)

// stores bundles the wired components behind a single close.
type stores struct {
	cfg  *config.Config
	docs *docstore.CouchStore
	arcs arcstore.Store
}

func openStores(ctx context.Context, opts *rootOptions) (*stores, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.New(ctx, cfg.DocstoreConfig())
	if err != nil {
		return nil, err
	}
	arcs, err := arcstore.New(cfg.ArcstoreOptions())
	if err != nil {
		s := &stores{docs: docs}
		s.close()
		return nil, err
	}
	return &stores{cfg: cfg, docs: docs, arcs: arcs}, nil
}

func (s *stores) newEngine() *engine.Engine {
	return engine.New(s.docs, s.arcs, s.cfg.EngineConfig())
}

func (s *stores) close() {
	if err := s.docs.Close(); err != nil {
		klog.Warningf("Closing the document store failed: %v", err)
	}
}
