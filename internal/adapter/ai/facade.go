package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// Facade implements the model port. Every call runs the same state machine:
// budget check, substitute on soft limit, provider call, usage extraction,
// best-effort recording. A hard limit fails before any HTTP request leaves
// the process.
type Facade struct {
	cfg      config.Config
	client   providerClient
	budget   domain.BudgetEnforcer
	recorder domain.CostRecorder
	catalog  domain.ModelCatalog
	counter  *tokencount.Counter
	repairer *Repairer
	validate *validator.Validate
	provider string
}

// NewFacade wires the provider client, embed cache and repair pass into one
// domain.AI implementation. budget, recorder and catalog may be nil; the
// façade degrades to unenforced, unrecorded calls.
func NewFacade(cfg config.Config, budget domain.BudgetEnforcer, recorder domain.CostRecorder, catalog domain.ModelCatalog) *Facade {
	client := NewClient(cfg, catalog)
	return newFacade(cfg, newEmbedCache(client, cfg.EmbedCacheSize), budget, recorder, catalog)
}

func newFacade(cfg config.Config, client providerClient, budget domain.BudgetEnforcer, recorder domain.CostRecorder, catalog domain.ModelCatalog) *Facade {
	return &Facade{
		cfg:      cfg,
		client:   client,
		budget:   budget,
		recorder: recorder,
		catalog:  catalog,
		counter:  tokencount.NewCounter(),
		repairer: NewRepairer(),
		validate: validator.New(),
		provider: providerLabel(cfg.AIBaseURL),
	}
}

// GenerateText performs one chat completion.
func (f *Facade) GenerateText(ctx domain.Context, req domain.TextRequest) (domain.TextResult, error) {
	model := req.Model
	if model == "" {
		model = f.cfg.ChatModel
	}
	model, err := f.checkBudget(ctx, req.Call, model)
	if err != nil {
		return domain.TextResult{}, err
	}

	ctx, acc, standalone := f.ensureAccumulator(ctx)
	out, err := f.client.Chat(ctx, model, req.System, req.Prompt, req.MaxTokens)
	if err != nil {
		return domain.TextResult{}, err
	}

	usage := f.settleUsage(acc, out.Usage, out.Model, req.System, req.Prompt, out.Text)
	observability.ObserveUsage(out.Model, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD)
	if standalone {
		f.recordStandalone(ctx, req.Call, acc)
	}
	return domain.TextResult{Text: out.Text, Model: out.Model, Usage: usage}, nil
}

// GenerateObject performs one structured-output call. The raw completion is
// decoded into out; on parse or validation failure the repair pass runs once
// and a second failure surfaces as a schema error.
func (f *Facade) GenerateObject(ctx domain.Context, req domain.ObjectRequest, out any) error {
	model := req.Model
	if model == "" {
		model = f.cfg.ChatModel
	}
	model, err := f.checkBudget(ctx, req.Call, model)
	if err != nil {
		return err
	}

	ctx, acc, standalone := f.ensureAccumulator(ctx)
	res, err := f.client.Chat(ctx, model, req.System, req.Prompt, req.MaxTokens)
	if err != nil {
		return err
	}

	usage := f.settleUsage(acc, res.Usage, res.Model, req.System, req.Prompt, res.Text)
	observability.ObserveUsage(res.Model, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD)
	if standalone {
		defer f.recordStandalone(ctx, req.Call, acc)
	}

	if err := f.decodeInto(res.Text, out); err == nil {
		return nil
	}
	repaired, err := f.repairer.Repair(res.Text)
	if err != nil {
		return fmt.Errorf("schema %s: %w", req.SchemaName, err)
	}
	zeroTarget(out)
	if err := f.decodeInto(repaired, out); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("structured output failed after repair",
			slog.String("schema", req.SchemaName),
			slog.String("model", res.Model),
			slog.Any("error", err))
		return fmt.Errorf("%w: schema %s: %v", domain.ErrSchemaInvalid, req.SchemaName, err)
	}
	return nil
}

// Embed embeds a single text.
func (f *Facade) Embed(ctx domain.Context, text string, call domain.CallContext) ([]float32, error) {
	vecs, err := f.EmbedMany(ctx, []string{text}, call)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts in one provider call, cache hits excluded.
func (f *Facade) EmbedMany(ctx domain.Context, texts []string, call domain.CallContext) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if _, err := f.checkBudget(ctx, call, f.cfg.EmbeddingsModel); err != nil {
		return nil, err
	}

	ctx, acc, standalone := f.ensureAccumulator(ctx)
	vecs, usage, err := f.client.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	observability.ObserveUsage(f.cfg.EmbeddingsModel, usage.PromptTokens, 0, usage.CostUSD)
	if standalone {
		f.recordStandalone(ctx, call, acc)
	}
	return vecs, nil
}

// checkBudget runs the enforcer and returns the model the call should use.
// Hard limits surface as BudgetExceededError before any provider request.
// Enforcer failures allow the call; budget protection never outranks the
// pipeline itself.
func (f *Facade) checkBudget(ctx context.Context, call domain.CallContext, model string) (string, error) {
	if f.budget == nil || call.WorkspaceID == "" {
		return model, nil
	}
	log := obsctx.LoggerFromContext(ctx)
	status, err := f.budget.CheckBudget(ctx, call.WorkspaceID, model)
	if err != nil {
		log.Warn("budget check failed, allowing call",
			slog.String("workspace_id", call.WorkspaceID),
			slog.String("model", model),
			slog.Any("error", err))
		return model, nil
	}
	observability.BudgetChecksTotal.WithLabelValues(status.Reason).Inc()

	switch status.Reason {
	case domain.BudgetHardLimit:
		log.Warn("model call blocked by budget",
			slog.String("workspace_id", call.WorkspaceID),
			slog.String("model", model),
			slog.String("function_id", call.FunctionID),
			slog.Float64("percent_used", status.PercentUsed))
		return "", &domain.BudgetExceededError{
			WorkspaceID:     call.WorkspaceID,
			Model:           model,
			PercentUsed:     status.PercentUsed,
			CurrentUsageUSD: status.CurrentUsageUSD,
			BudgetUSD:       status.BudgetUSD,
		}
	case domain.BudgetSoftLimit:
		if status.RecommendedModel != "" && status.RecommendedModel != model {
			log.Info("model substituted by budget",
				slog.String("workspace_id", call.WorkspaceID),
				slog.String("requested_model", model),
				slog.String("substituted_model", status.RecommendedModel),
				slog.String("function_id", call.FunctionID),
				slog.Float64("percent_used", status.PercentUsed))
			return status.RecommendedModel, nil
		}
	}
	return model, nil
}

// ensureAccumulator returns a context carrying a usage accumulator. When the
// caller installed none this call is standalone and the façade records usage
// itself; under the pipeline runner the commit phase owns recording.
func (f *Facade) ensureAccumulator(ctx context.Context) (context.Context, *domain.UsageAccumulator, bool) {
	if acc := obsctx.UsageFromContext(ctx); acc != nil {
		return ctx, acc, false
	}
	acc := &domain.UsageAccumulator{}
	return obsctx.ContextWithUsage(ctx, acc), acc, true
}

// settleUsage returns the usage of the call that just completed. When the
// provider sent no usage block the transport recorded nothing, so tokens are
// estimated locally, priced from the catalog and added to the accumulator
// flagged as estimated.
func (f *Facade) settleUsage(acc *domain.UsageAccumulator, reported domain.Usage, model, system, prompt, completion string) domain.Usage {
	if reported.TotalTokens > 0 {
		if reported.CostUSD == 0 {
			reported.CostUSD = f.price(model, reported.PromptTokens, reported.CompletionTokens)
		}
		return reported
	}
	promptTokens, completionTokens := f.counter.EstimateChatUsage(system, prompt, completion, model)
	est := domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          f.price(model, promptTokens, completionTokens),
		Estimated:        true,
	}
	acc.Add(domain.UsageSample{Model: model, Provider: f.provider, Usage: est})
	return est
}

func (f *Facade) price(model string, promptTokens, completionTokens int) float64 {
	if f.catalog == nil {
		return 0
	}
	p, ok := f.catalog.PricePer1K(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.PromptUSDPer1K + float64(completionTokens)/1000*p.CompletionUSDPer1K
}

// recordStandalone persists the accumulated usage of a call made outside the
// pipeline runner. Errors are logged and swallowed.
func (f *Facade) recordStandalone(ctx context.Context, call domain.CallContext, acc *domain.UsageAccumulator) {
	if f.recorder == nil || call.WorkspaceID == "" {
		return
	}
	log := obsctx.LoggerFromContext(ctx)
	for _, s := range acc.Drain() {
		rec := domain.CostRecord{
			WorkspaceID:      call.WorkspaceID,
			ActorID:          call.ActorID,
			SessionID:        call.SessionID,
			FunctionID:       call.FunctionID,
			Origin:           call.Origin,
			Model:            s.Model,
			Provider:         s.Provider,
			PromptTokens:     s.Usage.PromptTokens,
			CompletionTokens: s.Usage.CompletionTokens,
			TotalTokens:      s.Usage.TotalTokens,
			CostUSD:          s.Usage.CostUSD,
			Estimated:        s.Usage.Estimated,
		}
		if err := f.recorder.RecordUsage(ctx, rec); err != nil {
			log.Warn("usage recording failed",
				slog.String("workspace_id", call.WorkspaceID),
				slog.String("model", s.Model),
				slog.Any("error", err))
		}
	}
}

func (f *Facade) decodeInto(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return err
	}
	if err := f.validate.Struct(out); err != nil {
		var ive *validator.InvalidValidationError
		if errors.As(err, &ive) {
			return nil
		}
		return err
	}
	return nil
}

// zeroTarget resets the decode target between the direct parse attempt and
// the repaired one so a half-filled struct cannot leak through.
func zeroTarget(out any) {
	rv := reflect.ValueOf(out)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().SetZero()
	}
}
