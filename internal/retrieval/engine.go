// Package retrieval queries the vector-similarity collaborator over the
// three knowledge corpora and logs every call for later auditing. Index
// internals live in the collaborator; this package owns corpus partitioning,
// graceful degradation, and the query log.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/metrics"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/store"
)

// Corpus is one logically partitioned document collection. Queries never
// cross corpora unless the caller explicitly asks for a blended query.
type Corpus string

const (
	CorpusCode          Corpus = "code"
	CorpusVulnKnowledge Corpus = "vulnerability_knowledge"
	CorpusPastFindings  Corpus = "historical_findings"
)

// Result is one ranked document.
type Result struct {
	Document string            `json:"document"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Corpus   Corpus            `json:"corpus,omitempty"`
}

// Engine issues similarity queries against the retrieval collaborator.
type Engine struct {
	baseURL string
	client  *http.Client
	store   *store.Store
}

// NewEngine creates a retrieval engine. The store may be nil in tests;
// query logging is then skipped.
func NewEngine(baseURL string, timeout time.Duration, st *store.Store) *Engine {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Engine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		store:   st,
	}
}

type queryRequest struct {
	Query  string `json:"query"`
	Corpus string `json:"corpus"`
	TopK   int    `json:"top_k"`
}

type queryResponse struct {
	Results []Result `json:"results"`
}

// Query returns up to topK ranked documents from one corpus. A collaborator
// failure degrades to an empty result: analysis must proceed without
// retrieval context rather than fail the finding.
func (e *Engine) Query(ctx context.Context, sessionID, findingID, text string, corpus Corpus, topK int) []Result {
	results, err := e.query(ctx, text, corpus, topK)
	if err != nil {
		log.Warn().Err(err).
			Str("session", sessionID).
			Str("corpus", string(corpus)).
			Msg("Retrieval query failed, continuing with empty context")
		results = nil
	}
	if len(results) == 0 {
		metrics.Get().RecordRetrievalEmpty()
	}

	e.logQuery(sessionID, findingID, corpus, text, results)
	return results
}

// QueryBlended queries several corpora and merges results by score. Corpora
// stay isolated unless a caller reaches for this explicitly.
func (e *Engine) QueryBlended(ctx context.Context, sessionID, findingID, text string, corpora []Corpus, topK int) []Result {
	var merged []Result
	for _, corpus := range corpora {
		merged = append(merged, e.Query(ctx, sessionID, findingID, text, corpus, topK)...)
	}
	// Results within a corpus are already ranked; a stable sort keeps
	// equal-score results in corpus order.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

func (e *Engine) query(ctx context.Context, text string, corpus Corpus, topK int) ([]Result, error) {
	body, err := json.Marshal(queryRequest{Query: text, Corpus: string(corpus), TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read retrieval response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval returned %d: %s", resp.StatusCode, string(respBody))
	}

	var qr queryResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return nil, fmt.Errorf("failed to decode retrieval response: %w", err)
	}

	results := qr.Results
	for i := range results {
		results[i].Corpus = corpus
	}
	// Collaborator order is authoritative; truncate, never reorder.
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// logQuery records the call in the retrieval_queries table. Write-once,
// best-effort: a logging failure never affects the caller.
func (e *Engine) logQuery(sessionID, findingID string, corpus Corpus, text string, results []Result) {
	if e.store == nil || sessionID == "" {
		return
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		encoded = nil
	}
	q := &models.RetrievalQuery{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		FindingID: findingID,
		Corpus:    string(corpus),
		Query:     text,
		Results:   encoded,
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendRetrievalQuery(q); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Failed to log retrieval query")
	}
}
