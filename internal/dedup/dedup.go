// Package dedup decides whether a candidate memory is new, a duplicate
// of a stored one, or an update to it. Neighbour scores are similarities
// in [0, 1] where 1 means identical; callers holding distances convert
// them with SimilarityFromDistance first.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/prompts"
)

// Kind is a classification outcome.
type Kind string

// Classification outcomes.
const (
	KindNew       Kind = "new"
	KindDuplicate Kind = "duplicate"
	KindUpdate    Kind = "update"
)

// Reasons recorded on a Decision.
const (
	ReasonNoNeighbors    = "no_neighbors"
	ReasonBelowThreshold = "below_threshold"
	ReasonModel          = "model"
	ReasonModelError     = "model_error"
	ReasonUnparseable    = "unparseable"
)

// Candidate is a memory about to be written.
type Candidate struct {
	Label   string
	Content string
}

// Neighbor is a stored memory close to the candidate.
type Neighbor struct {
	ID      string
	Label   string
	Content string
	Score   float64
}

// Decision is the classification of a candidate. TargetID names the
// neighbour a duplicate or update refers to. Fallback is set when the
// model comparison failed and the deterministic rule decided.
type Decision struct {
	Kind          Kind
	TargetID      string
	MergedContent string
	Reason        string
	Fallback      bool
}

// Caller performs model calls. *llm.Caller implements it.
type Caller interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)
}

// Config controls classification.
type Config struct {
	// Model is used for the comparison call.
	Model string

	// Threshold is the similarity at or above which the model compares
	// candidate and neighbour. Default: 0.9.
	Threshold float64

	// Timeout bounds the comparison call. Zero leaves it to the caller.
	Timeout time.Duration
}

// Classifier classifies candidate memories.
type Classifier struct {
	caller Caller
	cfg    Config
	logger *slog.Logger
}

// New creates a Classifier. caller may be nil, in which case every
// high-similarity candidate takes the fallback path.
func New(caller Caller, cfg Config, logger *slog.Logger) *Classifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.9
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{caller: caller, cfg: cfg, logger: logger.With("component", "dedup")}
}

// SimilarityFromDistance converts a cosine distance (0 identical, 2
// opposite) into a similarity clamped to [0, 1].
func SimilarityFromDistance(d float64) float64 {
	s := 1 - d
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Classify classifies cand against neighbors. An empty neighbour list is
// always new. Below the threshold the candidate is new without a model
// call. At or above it the model decides, and if its answer is missing
// or unreadable the candidate is treated as a duplicate of the closest
// neighbour.
func (c *Classifier) Classify(ctx context.Context, cand Candidate, neighbors []Neighbor) Decision {
	if len(neighbors) == 0 {
		return Decision{Kind: KindNew, Reason: ReasonNoNeighbors}
	}

	sorted := make([]Neighbor, len(neighbors))
	copy(sorted, neighbors)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	top := sorted[0]

	if top.Score < c.cfg.Threshold {
		return Decision{Kind: KindNew, Reason: ReasonBelowThreshold}
	}

	fallback := Decision{Kind: KindDuplicate, TargetID: top.ID, Fallback: true}

	if c.caller == nil {
		fallback.Reason = ReasonModelError
		return fallback
	}

	text, err := c.compare(ctx, cand, top)
	if err != nil {
		c.logger.Warn("dedup comparison failed, treating as duplicate",
			"target_id", top.ID,
			"score", top.Score,
			"error", err,
		)
		fallback.Reason = ReasonModelError
		return fallback
	}

	d, err := parseDecision(text)
	if err != nil {
		c.logger.Warn("dedup answer unreadable, treating as duplicate",
			"target_id", top.ID,
			"score", top.Score,
			"error", err,
		)
		fallback.Reason = ReasonUnparseable
		return fallback
	}

	d.Reason = ReasonModel
	switch d.Kind {
	case KindDuplicate:
		d.TargetID = top.ID
	case KindUpdate:
		d.TargetID = top.ID
		if strings.TrimSpace(d.MergedContent) == "" {
			d.MergedContent = cand.Content
		}
	case KindNew:
		d.MergedContent = ""
	}

	c.logger.Debug("memory classified",
		"kind", d.Kind,
		"target_id", d.TargetID,
		"score", top.Score,
	)
	return d
}

func (c *Classifier) compare(ctx context.Context, cand Candidate, top Neighbor) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	res, err := c.caller.Call(ctx, llm.CallRequest{
		Model: c.cfg.Model,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.DedupPrompt(top.Label, top.Content, cand.Label, cand.Content),
		}},
		Stage:   llm.StageDedup,
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// parseDecision reads {"decision": ..., "merged_content": ...}.
func parseDecision(text string) (Decision, error) {
	var raw struct {
		Decision      string `json:"decision"`
		MergedContent string `json:"merged_content"`
	}
	if err := json.Unmarshal([]byte(llm.StripCodeFences(text)), &raw); err != nil {
		return Decision{}, fmt.Errorf("parse decision JSON: %w", err)
	}

	switch k := Kind(strings.ToLower(strings.TrimSpace(raw.Decision))); k {
	case KindNew, KindDuplicate, KindUpdate:
		return Decision{Kind: k, MergedContent: strings.TrimSpace(raw.MergedContent)}, nil
	case "":
		return Decision{}, errors.New("decision field missing")
	default:
		return Decision{}, fmt.Errorf("unknown decision %q", raw.Decision)
	}
}
