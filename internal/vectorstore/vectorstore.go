// Package vectorstore wraps chromem-go, the embedded pure-Go vector
// database used for the Embed stage's two collection families
// (spec.md §4.5 Stage 4, §6): `embeddings_{guild_id}` for transcript
// segments and `summaries` for summary partitions, plus the auxiliary
// `reels_{guild_id}` collection. Grounded on the chromem-go usage in the
// retrieval pack's other_examples manifests (Qefaraki-picoclaw,
// cklxx-elephant.ai), which pull in github.com/philippgille/chromem-go
// as their embedded vector store.
package vectorstore

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"github.com/sirupsen/logrus"
)

// Store owns one chromem-go database and hands out per-name collections,
// creating them lazily the first time they are referenced — mirroring the
// "collections map directly onto guild/meeting naming" design from
// spec.md §6.
type Store struct {
	db     *chromem.DB
	logger *logrus.Entry
}

// Open creates (or loads, if persistPath is non-empty) a chromem-go
// database rooted at persistPath. An empty persistPath runs in-memory
// only, which is fine for tests.
func Open(persistPath string) (*Store, error) {
	var db *chromem.DB
	var err error
	if persistPath == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: opening persistent db at %s: %w", persistPath, err)
		}
	}
	return &Store{db: db, logger: logrus.WithField("component", "vectorstore")}, nil
}

// EmbeddingsCollectionName returns the per-guild transcript-segment
// collection name, spec.md §6.
func EmbeddingsCollectionName(guildID string) string {
	return fmt.Sprintf("embeddings_%s", guildID)
}

// ReelsCollectionName returns the per-guild auxiliary collection name,
// spec.md §6.
func ReelsCollectionName(guildID string) string {
	return fmt.Sprintf("reels_%s", guildID)
}

// SummariesCollectionName is the single shared collection for all summary
// partitions, spec.md §4.5 Stage 4.
const SummariesCollectionName = "summaries"

// Document is one upsertable vector-store record: a precomputed
// embedding plus its original text and metadata. Embeddings are computed
// by internal/embedder under GPU arbitration before reaching this
// package, so the collection itself is opened with a nil embedding func
// and never re-embeds on write.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: getting collection %s: %w", name, err)
	}
	return col, nil
}

// Upsert writes docs into collection name, overwriting any existing
// document with the same ID — the deterministic-ID upsert semantics
// spec.md §8 requires for idempotent re-runs of Embed.
func (s *Store) Upsert(ctx context.Context, collectionName string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.collection(collectionName)
	if err != nil {
		return err
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		}
	}

	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("vectorstore: upserting %d documents into %s: %w", len(docs), collectionName, err)
	}
	s.logger.WithFields(logrus.Fields{"collection": collectionName, "count": len(docs)}).Debug("upserted vector documents")
	return nil
}

// Count returns the number of documents currently stored in a
// collection, used by idempotence tests (spec.md §8 "Idempotent
// embedding").
func (s *Store) Count(collectionName string) (int, error) {
	col, err := s.collection(collectionName)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// QueryResult mirrors chromem.Result, exposed so callers outside this
// package never import chromem-go directly.
type QueryResult struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// QueryByVector returns the nResults nearest documents to queryVec.
func (s *Store) QueryByVector(ctx context.Context, collectionName string, queryVec []float32, nResults int) ([]QueryResult, error) {
	col, err := s.collection(collectionName)
	if err != nil {
		return nil, err
	}

	results, err := col.QueryEmbedding(ctx, queryVec, nResults, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: querying %s: %w", collectionName, err)
	}

	out := make([]QueryResult, len(results))
	for i, r := range results {
		out[i] = QueryResult{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Similarity: r.Similarity}
	}
	return out, nil
}
