package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/agent/llm"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// Result is the outcome of one enrichment. Status is full_ai on success,
// basic when enrichment was skipped and ai_error when it failed.
type Result struct {
	Title    string
	Content  string
	Tags     []string
	Category string
	Model    string
	Status   models.ParseStatus
	Note     string
	Err      error
	Variant  Variant
	Bucket   Bucket
}

// Apply copies the outcome onto rec. A successful result overwrites prior
// AI fields; any other outcome leaves them empty.
func (r *Result) Apply(rec *models.Record) {
	rec.ParseStatus = r.Status
	rec.ProcessingNote = r.Note
	if r.Status != models.ParseFullAI {
		rec.ClearEnrichment()
		return
	}
	rec.ExtractTitle = r.Title
	rec.ExtractContent = r.Content
	rec.Tags = append([]string(nil), r.Tags...)
	rec.Model = r.Model
	if r.Category != "" && rec.Category == "" {
		rec.Category = r.Category
	}
}

type Engine struct {
	completer llm.Completer
	config    cfg.AIConfig
	tokens    *TokenCounter
	sem       *semaphore.Weighted
	logger    logger.Logger
}

func NewEngine(completer llm.Completer, c cfg.AIConfig, log logger.Logger) *Engine {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	return &Engine{
		completer: completer,
		config:    c,
		tokens:    defaultCounter(),
		sem:       semaphore.NewWeighted(c.MaxConcurrent),
		logger:    log.Named("enrich"),
	}
}

// Configured reports whether the engine has credentials to call the AI service.
func (e *Engine) Configured() bool {
	return e.config.Configured()
}

// Enrich builds the prompt for rec and asks the AI service for a title,
// summary and tags. It never returns an error: failures are described by
// Result.Status and Result.Note. Result.Err is ctx.Err() when cancelled.
func (e *Engine) Enrich(ctx context.Context, rec *models.Record, profile, notes string) *Result {
	log := e.logger.With(logger.String("identity", rec.Identity))

	if !e.config.Configured() {
		log.Warn("AI credentials missing, keeping basic metadata")
		return &Result{
			Status: models.ParseBasic,
			Note:   "AI enrichment skipped: OPENAI_API_KEY is not configured.",
			Err:    &models.ConfigurationError{Setting: "OPENAI_API_KEY"},
		}
	}
	if rec.RawText == "" {
		return &Result{Status: models.ParseBasic, Note: "No extracted text to enrich."}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return &Result{Status: models.ParseAIError, Note: "AI enrichment interrupted.", Err: err}
	}
	defer e.sem.Release(1)

	count := e.tokens.Count(rec.RawText)
	bucket := bucketFor(count)
	content := rec.RawText
	model := e.config.Model
	if bucket == BucketLong {
		content = e.tokens.Truncate(content, longBudget)
		if e.config.LargeModel != "" {
			model = e.config.LargeModel
		}
	}

	profileText := ""
	if profile != "" {
		var ok bool
		if profileText, ok = e.config.Profiles[profile]; !ok {
			log.Warn("Unknown processing profile", logger.String("profile", profile))
		}
	}
	prompt, variant := buildPrompt(rec, content, profileText, notes)

	log.Info("Requesting enrichment",
		logger.String("variant", string(variant)),
		logger.String("bucket", string(bucket)),
		logger.Int("tokens", count),
		logger.String("model", model),
	)

	req := llm.Request{
		System:     systemPrompt,
		Prompt:     prompt,
		Model:      model,
		MaxTokens:  bucket.MaxTokens(),
		SchemaName: "enrichment",
		Schema:     ResponseSchema,
	}

	res := &Result{Variant: variant, Bucket: bucket}
	parsed, usedModel, err := e.completeValidated(ctx, req, log)
	if err != nil {
		res.Err = err
		res.Status = models.ParseAIError
		var (
			ce *models.ConfigurationError
			ve *models.ValidationError
		)
		switch {
		case ctx.Err() != nil:
			res.Note = "AI enrichment interrupted."
		case errors.As(err, &ce):
			res.Status = models.ParseBasic
			res.Note = "AI enrichment skipped: " + ce.Error()
		case errors.As(err, &ve):
			res.Note = "AI response could not be validated: " + ve.Reason
		case models.IsRetryable(err):
			res.Note = fmt.Sprintf("AI service unavailable after %d attempts: %v", e.config.MaxAttempts, err)
		default:
			res.Note = "AI service rejected the request: " + err.Error()
		}
		log.Error("Enrichment failed", logger.String("note", res.Note), logger.Error(err))
		return res
	}

	res.Status = models.ParseFullAI
	res.Title = parsed.Title
	res.Content = parsed.Content
	res.Tags = parsed.Tags
	res.Model = usedModel
	if variant == VariantLinkedIn || IsLinkedIn(rec) {
		res.Tags = cleanTags(append(res.Tags, "linkedin", "social_media"))
		res.Category = "Social Media"
	}
	log.Info("Enrichment succeeded",
		logger.String("title", res.Title),
		logger.Strings("tags", res.Tags),
	)
	return res
}

// completeValidated calls the service and validates the reply. A malformed
// reply is retried once with a stricter instruction.
func (e *Engine) completeValidated(ctx context.Context, req llm.Request, log logger.Logger) (*payload, string, error) {
	parsed, model, err := e.completeParsed(ctx, req, log)
	var ve *models.ValidationError
	if err == nil || !errors.As(err, &ve) {
		return parsed, model, err
	}
	log.Warn("Malformed AI response, retrying with stricter instruction", logger.Error(err))

	strict := req
	strict.Prompt = req.Prompt + "\n\n" + stricterInstruction
	return e.completeParsed(ctx, strict, log)
}

// completeParsed is one validated call. An undecodable envelope from the
// client counts as a malformed reply, like a reply failing the schema.
func (e *Engine) completeParsed(ctx context.Context, req llm.Request, log logger.Logger) (*payload, string, error) {
	resp, err := e.completeWithRetry(ctx, req, log)
	if err != nil {
		return nil, "", err
	}
	parsed, err := parseResponse(resp.Content)
	if err != nil {
		return nil, "", err
	}
	return parsed, resp.Model, nil
}

// completeWithRetry retries transport failures with exponential backoff.
// Each attempt gets its own timeout; a timed out attempt counts as a
// retryable failure.
func (e *Engine) completeWithRetry(ctx context.Context, req llm.Request, log logger.Logger) (*llm.Response, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.config.InitialBackoff
	expo.MaxInterval = e.config.MaxBackoff
	expo.MaxElapsedTime = 0
	expo.Multiplier = 2
	expo.Reset()

	hinted := &retryAfterBackOff{BackOff: expo, max: e.config.MaxBackoff}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(e.config.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() (*llm.Response, error) {
		attempt++
		callCtx := ctx
		if e.config.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
			defer cancel()
		}
		resp, err := e.completer.Complete(callCtx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &models.TransportError{Op: "chat completion", Err: err}
		}
		var te *models.TransportError
		if !errors.As(err, &te) || !te.Retryable() {
			return nil, backoff.Permanent(err)
		}
		hinted.hint = te.RetryAfter
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("AI call failed, backing off",
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

// retryAfterBackOff honours a server supplied Retry-After hint when it is
// longer than the computed interval. The hint never exceeds max.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d != backoff.Stop && b.hint > d {
		d = b.hint
		if b.max > 0 && d > b.max {
			d = b.max
		}
	}
	b.hint = 0
	return d
}
