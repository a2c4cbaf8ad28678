// internal/gameplay/orchestrator.go
package gameplay

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/history"
	"github.com/Corphon/Formamorph/internal/llm"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/prompts"
	"github.com/Corphon/Formamorph/internal/sandbox"
	"github.com/Corphon/Formamorph/internal/telemetry"
	"github.com/Corphon/Formamorph/internal/utils"
)

// 展示给玩家的错误文本
const (
	MsgNotFound = "Request failed (404) Invalid endpoint URL or model name. Please check your settings."
	MsgBadInput = "Request failed (400). Either model name is wrong or memory limit exceeded model limit."
	MsgGeneric  = "Failed to complete action. Please try again."
)

// 请求类型
const (
	kindNarration   = "narration"
	kindChoices     = "choices"
	kindStatUpdates = "stat_updates"
)

// UserFacingMessage 把传输错误映射为玩家可读的提示
func UserFacingMessage(err error) string {
	switch apperrors.StatusCodeOf(err) {
	case 404:
		return MsgNotFound
	case 400:
		return MsgBadInput
	default:
		return MsgGeneric
	}
}

// Orchestrator 驱动一个回合：叙述、选项和属性更新三个模型请求以及结算
type Orchestrator struct {
	provider  llm.Provider
	evaluator *sandbox.Evaluator
	metrics   *utils.GameMetrics
	logger    *utils.Logger
	tracer    trace.Tracer
}

// OrchestratorOption 配置编排器
type OrchestratorOption func(*Orchestrator)

// WithEvaluator 指定脚本求值器
func WithEvaluator(ev *sandbox.Evaluator) OrchestratorOption {
	return func(o *Orchestrator) { o.evaluator = ev }
}

// WithMetrics 指定指标记录
func WithMetrics(m *utils.GameMetrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(provider llm.Provider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider:  provider,
		evaluator: sandbox.NewEvaluator(),
		metrics:   utils.NewGameMetrics(nil),
		logger:    utils.GetLogger(),
		tracer:    telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn 一个回合开始时捕获的输入
type turn struct {
	action    string
	settings  models.Settings
	userIndex int
	prompts   prompts.Set
	trimmed   []models.Message
	narration string
}

// Act 执行玩家动作。回合进行中再次调用返回冲突错误；游戏开始前只接受 START GAME。
// 失败时历史回退到用户消息之后，属性、特质、快照和时间保持不变。
func (o *Orchestrator) Act(ctx context.Context, s *Session, action string, settings models.Settings) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return apperrors.NewValidationError("action must not be empty", nil)
	}

	ctx, span := o.tracer.Start(ctx, "gameplay.turn", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("turn.action", action),
	))
	defer span.End()
	start := time.Now()

	t, err := o.begin(ctx, s, action, settings)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = o.run(ctx, s, t)
	if err != nil {
		o.abort(s, t, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.RecordTurn(err == nil, time.Since(start))
	return err
}

// begin 检查状态、运行属性脚本、追加用户消息
func (o *Orchestrator) begin(ctx context.Context, s *Session, action string, settings models.Settings) (*turn, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, apperrors.NewConflictError("a turn is already in progress", nil)
	}
	if !s.started && action != StartAction {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError("the game has not started; send \""+StartAction+"\" first", nil)
	}
	s.busy = true
	s.turnState = TurnAwaitingNarration
	current := models.CloneStats(s.stats)
	s.mu.Unlock()

	evaluated, failures := o.evaluator.ProcessStatCode(ctx, current)
	o.metrics.RecordSandboxFailures(len(failures))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = evaluated

	messages := s.history.Messages()
	committed := messages
	if n := len(messages); n > 0 && messages[n-1].Role == models.RoleUser {
		committed = messages[:n-1]
		if messages[n-1].Content == action {
			s.history.TruncateTo(n)
		} else {
			s.history.TruncateTo(n - 1)
			s.history.Append(models.RoleUser, action)
		}
	} else {
		s.history.Append(models.RoleUser, action)
	}

	limit := settings.AIMessageLimit
	if limit <= 0 {
		limit = models.DefaultSettings().AIMessageLimit
	}

	return &turn{
		action:    action,
		settings:  settings,
		userIndex: s.history.Len(),
		trimmed:   history.Trimmed(committed, limit),
		prompts: prompts.Build(prompts.FromSettings(settings), prompts.Context{
			World:    s.World,
			Location: s.location,
			Stats:    s.stats,
			Traits:   s.traits,
			Notes:    s.notes,
		}, settings.Language),
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, t *turn) error {
	narrationMessages := make([]llm.ChatMessage, 0, len(t.trimmed)+1)
	for _, m := range t.trimmed {
		narrationMessages = append(narrationMessages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	narrationMessages = append(narrationMessages, llm.ChatMessage{Role: models.RoleUser, Content: "Player action: " + t.action})

	narrationReq := o.baseRequest(t.settings, t.prompts.Narration, narrationMessages)
	if t.settings.Shortform {
		narrationReq.StopWords = []string{"\n"}
	}

	narration, err := o.request(ctx, kindNarration, narrationReq, func(content string) {
		s.mu.Lock()
		t.narration = content
		s.gameplayText = content
		s.visible = s.matcher.Extract(content)
		s.history.ReplaceLastAssistant(models.AssistantPayload{GameText: content}.Encode())
		s.mu.Unlock()
		s.events.Publish(Event{Type: EventNarration, SessionID: s.ID, Text: content})
	})
	if err != nil {
		return err
	}
	if narration == "" {
		return apperrors.NewTransportError(0, "received empty narration from the model", nil)
	}
	t.narration = narration

	s.mu.Lock()
	s.turnState = TurnAwaitingChoicesAndStats
	s.mu.Unlock()

	var choicesText, statsText string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		req := o.baseRequest(t.settings, t.prompts.Choices, []llm.ChatMessage{{Role: models.RoleUser, Content: "Game text: " + narration}})
		text, err := o.request(gctx, kindChoices, req, func(content string) {
			if partial := ParseChoices(content); len(partial) > 0 {
				s.events.Publish(Event{Type: EventChoices, SessionID: s.ID, Choices: partial})
			}
		})
		choicesText = text
		return err
	})
	g.Go(func() error {
		req := o.baseRequest(t.settings, t.prompts.StatUpdates, []llm.ChatMessage{{Role: models.RoleUser, Content: "Game events: " + narration}})
		text, err := o.request(gctx, kindStatUpdates, req, nil)
		statsText = text
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	o.commit(s, t, choicesText, statsText)
	return nil
}

// commit 在会话锁内一次性结算并保存快照
func (o *Orchestrator) commit(s *Session, t *turn, choicesText, statsText string) {
	choices := ParseChoices(choicesText)
	outcome := Reconcile(s.snapshotStats(), ParseStatUpdates(statsText))

	s.mu.Lock()
	s.choices = choices
	s.visible = s.matcher.Extract(t.narration)
	s.gameplayText = t.narration
	s.stats = outcome.Stats
	s.recent = outcome.Recent
	s.recentAt = s.clock()
	s.gameTime += outcome.Hours
	for _, line := range outcome.Logs {
		s.addLogLocked(line)
	}
	s.history.ReplaceLastAssistant(models.AssistantPayload{
		GameText:    t.narration,
		Choices:     choices,
		StatChanges: outcome.StatChanges,
	}.Encode())
	if t.action == StartAction {
		s.started = true
	}
	s.storeSnapshotLocked(s.captureLocked())
	s.turnState = TurnCommitted
	view := s.viewLocked()
	s.busy = false
	s.turnState = TurnIdle
	s.mu.Unlock()

	o.logger.Info("turn committed", map[string]interface{}{
		"session": s.ID,
		"page":    view.PageCount,
		"choices": len(choices),
	})
	s.events.Publish(Event{Type: EventCommitted, SessionID: s.ID, Text: t.narration, Choices: choices, View: view})
}

// abort 撤销未完成的助手消息，保留已收到的叙述文本
func (o *Orchestrator) abort(s *Session, t *turn, err error) {
	msg := UserFacingMessage(err)

	s.mu.Lock()
	s.history.TruncateTo(t.userIndex)
	if t.narration != "" {
		s.gameplayText = t.narration
	}
	s.addLogLocked(msg)
	s.turnState = TurnErrored
	view := s.viewLocked()
	s.busy = false
	s.turnState = TurnIdle
	s.mu.Unlock()

	o.logger.Error("turn failed", map[string]interface{}{
		"session": s.ID,
		"action":  t.action,
		"error":   err.Error(),
	})
	s.events.Publish(Event{Type: EventError, SessionID: s.ID, Error: msg, View: view})
}

// baseRequest 设置仍是默认端点或模型时留空，由提供者使用自己的默认值
func (o *Orchestrator) baseRequest(settings models.Settings, system string, messages []llm.ChatMessage) llm.CompletionRequest {
	req := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     messages,
		MaxTokens:    settings.MaxTokens,
		Model:        settings.ModelName,
		Endpoint:     settings.EndpointURL,
		APIToken:     settings.APIToken,
	}
	if req.Endpoint == models.DefaultEndpoint {
		req.Endpoint = ""
	}
	if req.Model == models.DefaultModel {
		req.Model = ""
	}
	return req
}

// request 发起一次流式请求并读完，非应用错误统一归为传输错误
func (o *Orchestrator) request(ctx context.Context, kind string, req llm.CompletionRequest, onDelta func(string)) (string, error) {
	ctx, span := o.tracer.Start(ctx, "ai."+kind, trace.WithAttributes(
		attribute.String("ai.provider", o.provider.GetName()),
		attribute.String("ai.model", req.Model),
	))
	defer span.End()
	start := time.Now()

	stream, err := o.provider.StreamCompletion(ctx, req)
	var text string
	if err == nil {
		text, err = llm.Collect(ctx, stream, onDelta)
	}
	o.metrics.RecordAIRequest(kind, time.Since(start), err)

	if err != nil {
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			err = apperrors.NewTransportError(apperrors.StatusCodeOf(err), kind+" request failed", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return text, err
	}
	return text, nil
}

// snapshotStats 当前属性的副本
func (s *Session) snapshotStats() []models.Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneStats(s.stats)
}
