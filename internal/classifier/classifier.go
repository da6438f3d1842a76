package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docharvest/internal/llm"
	"docharvest/internal/metrics"
)

const systemPrompt = `You classify manufacturer PDF documents. Answer with a single JSON object:
{"document_type": "<type>", "confidence": <0.0-1.0>}
document_type must be exactly one of: Product Data Sheet, Specification Sheet, Submittal Sheet, Technical Data Sheet, Installation Manual, Operation & Maintenance, Engineering Diagram, Marketing, Unknown.
Use Unknown when unsure. No extra text.`

// minConfidence is the floor under which an LLM answer is discarded
// for the filename heuristic.
const minConfidence = 0.5

// Decision is a classification outcome. Source records whether the
// LLM or the filename heuristic produced it.
type Decision struct {
	DocumentType string
	IsTechnical  bool
	Confidence   float64
	Source       string
}

// Classifier decides document types, preferring the LLM and degrading
// to filename rules. Classify never returns an error; a worker must
// not fail a job because one artifact resisted classification.
type Classifier struct {
	client   llm.Client
	provider string
	timeout  time.Duration
	logger   *slog.Logger
}

// New builds a Classifier. A nil client skips straight to the
// heuristic, which keeps bulk ingestion working with no LLM
// configured.
func New(client llm.Client, provider string, timeout time.Duration, logger *slog.Logger) *Classifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Classifier{client: client, provider: provider, timeout: timeout, logger: logger}
}

// Classify decides the type of one artifact from its filename and
// first-page text. Empty firstPage means text extraction failed; the
// LLM is still consulted with the filename alone.
func (c *Classifier) Classify(ctx context.Context, filename, firstPage string) Decision {
	if c.client != nil {
		if d, ok := c.classifyLLM(ctx, filename, firstPage); ok {
			metrics.RecordClassification(c.provider, "llm")
			return d
		}
	}

	docType := HeuristicType(filename)
	metrics.RecordClassification(c.provider, "heuristic")
	return Decision{
		DocumentType: docType,
		IsTechnical:  IsTechnical(docType),
		Source:       "heuristic",
	}
}

func (c *Classifier) classifyLLM(ctx context.Context, filename, firstPage string) (Decision, bool) {
	user := fmt.Sprintf("Filename: %s", filename)
	if firstPage != "" {
		user = fmt.Sprintf("Filename: %s\n\nFirst page text:\n%s", filename, firstPage)
	}

	fields, err := c.client.CompleteJSON(ctx, llm.Request{
		System:  systemPrompt,
		User:    user,
		Timeout: c.timeout,
	})
	if err != nil {
		c.logger.Warn("llm classification failed, falling back to filename",
			"filename", filename, "error", err)
		return Decision{}, false
	}

	docType, _ := fields["document_type"].(string)
	if !ValidType(docType) {
		c.logger.Warn("llm returned unknown document type",
			"filename", filename, "document_type", docType)
		return Decision{}, false
	}

	confidence, _ := fields["confidence"].(float64)
	if confidence < minConfidence {
		return Decision{}, false
	}

	return Decision{
		DocumentType: docType,
		IsTechnical:  IsTechnical(docType),
		Confidence:   confidence,
		Source:       "llm",
	}, true
}
