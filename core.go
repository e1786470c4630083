package consulta

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// InteractionMetrics times the stages of one turn.
type InteractionMetrics struct {
	RoutingDuration    time.Duration `json:"routing_duration"`
	GenerationDuration time.Duration `json:"generation_duration"`
	TotalDuration      time.Duration `json:"total_duration"`
	HistoryMessages    int           `json:"history_messages"`
	CompressedMessages int           `json:"compressed_messages"`
	TokensIn           int           `json:"tokens_in"`
	TokensOut          int           `json:"tokens_out"`
}

// SendOptions tunes one SendMessage call.
type SendOptions struct {
	// SuggestedAgent, when set, is accepted as the routing result.
	SuggestedAgent string
	// Meta patches patient context for this turn.
	Meta *SessionMeta
	// Stream, when non-nil, selects the streaming path. The core writes
	// routing, bullet, token, grounding, error, and end chunks to it and
	// closes it before returning.
	Stream chan<- Chunk
	// Bullets, when non-nil, additionally receives reasoning bullets.
	Bullets *BulletSink
	// OnAgentSelected, when non-nil, is invoked once routing is decided.
	OnAgentSelected func(RoutingDecision)
}

// SendResult is the outcome of one successful turn.
type SendResult struct {
	Response Message            `json:"response"`
	Routing  RoutingDecision    `json:"routing_info"`
	State    *Session           `json:"updated_state"`
	Metrics  InteractionMetrics `json:"interaction_metrics"`
}

// TurnStats summarizes one completed turn for metrics reporting.
type TurnStats struct {
	Agent         string
	Reason        RoutingReason
	AgentChanged  bool
	RiskTriggered bool
	Duration      time.Duration
}

// MetricsSink receives per-turn measurements after each completed turn.
// Implementations must be safe for concurrent use.
type MetricsSink interface {
	RecordTurn(ctx context.Context, stats TurnStats)
}

// Core drives the end-to-end conversation pipeline: load, compress, enrich,
// detect, route, generate, persist. One turn per session at a time; turns on
// different sessions run in parallel.
type Core struct {
	sessions     *SessionManager
	store        SessionStore
	patients     PatientStore
	files        FileSource
	registry     *AgentRegistry
	router       *IntentRouter
	orchestrator *DynamicOrchestrator
	window       *ContextWindowManager
	collector    *MetadataCollector
	detector     *EdgeCaseDetector
	extractor    *EntityExtractor
	useAdvanced  bool
	logger       *slog.Logger
	tracer       Tracer
	metrics      MetricsSink
	now          func() int64
}

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithPatients sets the patient store used for summaries and risk flags.
func WithPatients(p PatientStore) CoreOption {
	return func(c *Core) { c.patients = p }
}

// WithFiles sets the pending-file source.
func WithFiles(f FileSource) CoreOption {
	return func(c *Core) { c.files = f }
}

// WithWindow replaces the default context window manager.
func WithWindow(w *ContextWindowManager) CoreOption {
	return func(c *Core) { c.window = w }
}

// WithCollector replaces the default metadata collector.
func WithCollector(mc *MetadataCollector) CoreOption {
	return func(c *Core) { c.collector = mc }
}

// WithDetector replaces the default edge-case detector.
func WithDetector(d *EdgeCaseDetector) CoreOption {
	return func(c *Core) { c.detector = d }
}

// WithExtractor enables clinical entity extraction on the routing path.
func WithExtractor(e *EntityExtractor) CoreOption {
	return func(c *Core) { c.extractor = e }
}

// WithOrchestrator enables dynamic orchestration when not force-routed.
func WithOrchestrator(o *DynamicOrchestrator) CoreOption {
	return func(c *Core) {
		c.orchestrator = o
		c.useAdvanced = true
	}
}

// CoreLogger sets the structured logger.
func CoreLogger(l *slog.Logger) CoreOption {
	return func(c *Core) { c.logger = l }
}

// CoreTracer sets the tracer for turn spans.
func CoreTracer(t Tracer) CoreOption {
	return func(c *Core) { c.tracer = t }
}

// WithMetrics sets the sink notified after each completed turn.
func WithMetrics(m MetricsSink) CoreOption {
	return func(c *Core) { c.metrics = m }
}

// CoreClock overrides the wall clock, for tests.
func CoreClock(now func() int64) CoreOption {
	return func(c *Core) { c.now = now }
}

// NewCore wires the pipeline over store, registry, and router.
func NewCore(store SessionStore, registry *AgentRegistry, router *IntentRouter, opts ...CoreOption) *Core {
	c := &Core{
		store:    store,
		registry: registry,
		router:   router,
		now:      NowUnix,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.window == nil {
		c.window = NewContextWindowManager(WindowLogger(c.logger))
	}
	if c.detector == nil {
		c.detector = NewEdgeCaseDetector(DetectorLogger(c.logger))
	}
	if c.collector == nil {
		c.collector = NewMetadataCollector(store, c.patients, CollectorLogger(c.logger))
	}
	c.sessions = NewSessionManager(store, registry, ManagerLogger(c.logger))
	return c
}

// Sessions exposes the session manager for lifecycle operations.
func (c *Core) Sessions() *SessionManager { return c.sessions }

// SendMessage runs one full turn for sessionID. The per-session lock is held
// from load through persistence, including the streaming tail. When
// opts.Stream is non-nil the chunks are written there and the channel is
// closed before SendMessage returns.
func (c *Core) SendMessage(ctx context.Context, sessionID, message string, opts SendOptions) (SendResult, error) {
	started := time.Now()
	if c.tracer != nil {
		var span Span
		ctx, span = c.tracer.Start(ctx, "core.send_message",
			StringAttr("session.id", sessionID))
		defer span.End()
	}

	unlock := c.sessions.Lock(sessionID)
	defer unlock()

	res, err := c.sendLocked(ctx, sessionID, message, opts, started)
	if err != nil && opts.Stream != nil {
		opts.Stream <- Chunk{Type: ChunkError, Err: err.Error()}
		opts.Stream <- Chunk{Type: ChunkEnd}
	}
	if opts.Stream != nil {
		close(opts.Stream)
	}
	return res, err
}

func (c *Core) sendLocked(ctx context.Context, sessionID, message string, opts SendOptions, started time.Time) (SendResult, error) {
	s, err := c.loadOrCreate(ctx, sessionID, opts.Meta)
	if err != nil {
		return SendResult{}, err
	}
	prevAgent := s.ActiveAgent

	fileRefs := c.reconcileFiles(ctx, s)
	compressed := c.window.Compress(s.History, message)
	patient := c.loadPatient(ctx, s)
	summary := c.resolvePatientSummary(s, patient, opts.Meta)
	meta := c.collector.Collect(ctx, s)

	det := c.detector.Check(message, patient, meta)
	forceStandard := c.detector.Apply(s, det, c.now())
	if meta.SessionRiskState == nil && s.Risk != nil {
		rs := *s.Risk
		meta.SessionRiskState = &rs
	}

	ec := &EnrichedContext{
		Query:          message,
		History:        compressed,
		PreviousAgent:  s.ActiveAgent,
		SessionFiles:   fileRefs,
		PatientSummary: summary,
		Metadata:       meta,
	}
	if c.extractor != nil {
		if ext, err := c.extractor.Extract(ctx, message, summary); err == nil {
			ec.Entities = ext
		}
	}

	// A streaming caller without an explicit sink still gets the
	// orchestrator's reasoning bullets as bullet chunks.
	if opts.Stream != nil && opts.Bullets == nil {
		opts.Bullets = NewBulletSink(8, SinkLogger(c.logger))
	}

	routingStart := time.Now()
	decision := c.route(ctx, s, ec, det, forceStandard, opts)
	routingDur := time.Since(routingStart)
	if opts.OnAgentSelected != nil {
		opts.OnAgentSelected(decision)
	}
	if opts.Stream != nil {
		opts.Stream <- Chunk{Type: ChunkRouting, Routing: &decision}
	}
	routingBullets := drainBullets(opts.Bullets)
	if opts.Stream != nil {
		for _, b := range routingBullets {
			opts.Stream <- Chunk{Type: ChunkBullet, Text: b}
		}
	}

	metrics := InteractionMetrics{
		RoutingDuration:    routingDur,
		HistoryMessages:    len(s.History),
		CompressedMessages: len(compressed),
	}

	if decision.IsExplicitRequest {
		return c.explicitSwitch(ctx, s, ec, decision, opts, metrics, started)
	}

	// Append the user message; derive the title on the first one.
	now := c.now()
	userMsg := Message{
		ID:             NewID(),
		Role:           RoleUser,
		Content:        message,
		Timestamp:      now,
		FileReferences: fileRefs,
	}
	s.History = append(s.History, userMsg)
	s.Metadata.TotalTokens += EstimateTokens(message)
	if s.Title == "" {
		s.Title = DeriveTitle(message)
	}

	handle, err := c.ensureHandle(s, decision.Agent, compressed)
	if err != nil {
		return SendResult{}, err
	}

	genStart := time.Now()
	resp, buffered, err := c.generate(ctx, handle, ec, decision.ContextualTools, opts.Stream)
	metrics.GenerationDuration = time.Since(genStart)

	if err != nil {
		return c.finishFailedTurn(ctx, s, decision, buffered, metrics, started, err)
	}

	assistant := Message{
		ID:               NewID(),
		Role:             RoleModel,
		Content:          resp.Content,
		Agent:            decision.Agent,
		Timestamp:        c.now(),
		GroundingURLs:    resp.GroundingURLs,
		ReasoningBullets: append(routingBullets, buffered.bullets...),
	}
	if appended := c.mergeAssistant(s, assistant, resp.Usage); appended {
		metrics.TokensIn = resp.Usage.InputTokens
		metrics.TokensOut = resp.Usage.OutputTokens
	}
	s.Metadata.LastUpdated = c.now()
	c.persist(ctx, s)

	if opts.Stream != nil {
		opts.Stream <- Chunk{Type: ChunkEnd, Usage: &resp.Usage}
	}
	metrics.TotalDuration = time.Since(started)
	c.recordTurn(ctx, decision, prevAgent, det.Triggered, metrics.TotalDuration)
	return SendResult{
		Response: *s.LastMessage(),
		Routing:  decision,
		State:    s,
		Metrics:  metrics,
	}, nil
}

// SwitchAgent performs a direct agent change on an existing session, treated
// like an explicit user request: no user message is persisted and the new
// agent generates a confirmation turn.
func (c *Core) SwitchAgent(ctx context.Context, sessionID, agent string) (SendResult, error) {
	started := time.Now()
	if _, ok := c.registry.Profile(agent); !ok {
		return SendResult{}, &ErrNotFound{Kind: "agent", ID: agent}
	}

	unlock := c.sessions.Lock(sessionID)
	defer unlock()

	s, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return SendResult{}, err
	}

	compressed := c.window.Compress(s.History, "")
	ec := &EnrichedContext{
		Query:         "El terapeuta cambió al agente " + agent + ". Preséntate brevemente y continúa.",
		History:       compressed,
		PreviousAgent: s.ActiveAgent,
	}
	decision := RoutingDecision{
		Agent:             agent,
		Confidence:        1.0,
		Reason:            ReasonExplicitRequest,
		IsExplicitRequest: true,
	}
	metrics := InteractionMetrics{
		HistoryMessages:    len(s.History),
		CompressedMessages: len(compressed),
	}
	return c.explicitSwitch(ctx, s, ec, decision, SendOptions{}, metrics, started)
}

// route picks the orchestration path per precedence: caller suggestion,
// dynamic orchestration (when enabled and not force-routed), else the
// standard router.
func (c *Core) route(ctx context.Context, s *Session, ec *EnrichedContext, det Detection, forceStandard bool, opts SendOptions) RoutingDecision {
	if opts.SuggestedAgent != "" {
		if _, ok := c.registry.Profile(opts.SuggestedAgent); ok {
			return RoutingDecision{
				Agent:      opts.SuggestedAgent,
				Confidence: 1.0,
				Reason:     ReasonSuggestedAgent,
			}
		}
		c.logger.Warn("suggested agent unknown, routing normally", "agent", opts.SuggestedAgent)
	}

	if c.useAdvanced && c.orchestrator != nil && !forceStandard && !det.Triggered {
		// Explicit switches outrank orchestration.
		if agent, ok := ParseExplicitSwitch(ec.Query); ok {
			return RoutingDecision{
				Agent:             agent,
				Confidence:        1.0,
				Reason:            ReasonExplicitRequest,
				IsExplicitRequest: true,
			}
		}
		sink := opts.Bullets
		result, err := c.orchestrator.Orchestrate(ctx, OrchestrateInput{
			SessionID:      s.ID,
			UserID:         s.UserID,
			Input:          ec.Query,
			SessionFiles:   ec.SessionFiles,
			History:        ec.History,
			PatientSummary: ec.PatientSummary,
			PreviousAgent:  s.ActiveAgent,
			Bullets:        sink,
		})
		if err == nil && result.Confidence >= c.orchestrator.Threshold() {
			return RoutingDecision{
				Agent:           result.SelectedAgent,
				Confidence:      result.Confidence,
				Reason:          ReasonOrchestrator,
				MetadataFactors: result.Recommendations,
				ContextualTools: result.ContextualTools,
			}
		}
		if err != nil {
			c.logger.Warn("orchestration failed, using standard routing", "error", err)
		}
	}

	return c.router.Route(ctx, ec, det, forceStandard)
}

// explicitSwitch handles a direct agent-change request: the user utterance
// is not persisted; the new agent generates a confirmation turn.
func (c *Core) explicitSwitch(ctx context.Context, s *Session, ec *EnrichedContext, decision RoutingDecision, opts SendOptions, metrics InteractionMetrics, started time.Time) (SendResult, error) {
	prev := s.ActiveAgent
	handle, err := c.registry.NewChat(decision.Agent, ec.History, true)
	if err != nil {
		return SendResult{}, err
	}
	c.sessions.ReplaceHandle(s.ID, handle)
	s.ActiveAgent = decision.Agent

	genStart := time.Now()
	resp, buffered, err := c.generate(ctx, handle, ec, decision.ContextualTools, opts.Stream)
	metrics.GenerationDuration = time.Since(genStart)
	if err != nil {
		return SendResult{}, err
	}

	confirmation := Message{
		ID:               NewID(),
		Role:             RoleModel,
		Content:          resp.Content,
		Agent:            decision.Agent,
		Timestamp:        c.now(),
		GroundingURLs:    resp.GroundingURLs,
		ReasoningBullets: buffered.bullets,
	}
	s.History = append(s.History, confirmation)
	s.Metadata.TotalTokens += usageOrEstimate(resp.Usage, resp.Content)
	s.Metadata.LastUpdated = c.now()
	c.persist(ctx, s)

	c.logger.Info("explicit agent switch",
		"session", s.ID, "from", prev, "to", decision.Agent)

	if opts.Stream != nil {
		opts.Stream <- Chunk{Type: ChunkEnd, Usage: &resp.Usage}
	}
	metrics.TotalDuration = time.Since(started)
	c.recordTurn(ctx, decision, prev, false, metrics.TotalDuration)
	return SendResult{
		Response: confirmation,
		Routing:  decision,
		State:    s,
		Metrics:  metrics,
	}, nil
}

// ensureHandle returns the session's live chat handle, replacing it when the
// agent changed (seeded with the compressed history, marked as transition).
func (c *Core) ensureHandle(s *Session, agent string, history []Message) (*ChatHandle, error) {
	handle := c.sessions.Handle(s.ID)
	if handle != nil && !handle.Closed() && handle.Agent() == agent {
		// A reused handle accumulates every exchange it served. When the
		// compressed view is shorter than what it carries, reseed so the
		// window bound applies to long-lived handles too.
		if handle.SeedLen() > len(history) {
			handle.Reseed(history)
		}
		return handle, nil
	}
	isTransition := s.ActiveAgent != "" && s.ActiveAgent != agent && len(s.History) > 1
	next, err := c.registry.NewChat(agent, history, isTransition)
	if err != nil {
		return nil, err
	}
	c.sessions.ReplaceHandle(s.ID, next)
	s.ActiveAgent = agent
	return next, nil
}

// streamBuffer accumulates the streamed turn for persistence.
type streamBuffer struct {
	text      strings.Builder
	grounding []string
	bullets   []string
}

func (b *streamBuffer) absorb(ch Chunk) {
	switch ch.Type {
	case ChunkTextDelta:
		b.text.WriteString(ch.Text)
	case ChunkGroundingRef:
		for _, u := range b.grounding {
			if u == ch.URL {
				return
			}
		}
		b.grounding = append(b.grounding, ch.URL)
	case ChunkBullet:
		b.bullets = append(b.bullets, ch.Text)
	}
}

// generate runs the model call, streaming when out is non-nil. On a
// too-large rejection the history is recompressed once under a tighter
// budget before failing with *ErrTooLarge.
func (c *Core) generate(ctx context.Context, handle *ChatHandle, ec *EnrichedContext, tools []ToolDefinition, out chan<- Chunk) (GenerateResponse, *streamBuffer, error) {
	resp, buf, err := c.generateOnce(ctx, handle, ec, tools, out)
	var tooLarge *ErrTooLarge
	if err != nil && errors.As(err, &tooLarge) {
		tighter := c.window.Tighter()
		ec.History = tighter.Compress(ec.History, ec.Query)
		handle.Reseed(ec.History)
		c.logger.Warn("context too large, retrying with tighter budget",
			"target", tighter.TargetBudget())
		resp, buf, err = c.generateOnce(ctx, handle, ec, tools, out)
		if err != nil && errors.As(err, &tooLarge) {
			return resp, buf, &ErrTooLarge{Estimated: EstimateHistoryTokens(ec.History), Target: tighter.TargetBudget()}
		}
	}
	return resp, buf, err
}

func (c *Core) generateOnce(ctx context.Context, handle *ChatHandle, ec *EnrichedContext, tools []ToolDefinition, out chan<- Chunk) (GenerateResponse, *streamBuffer, error) {
	buf := &streamBuffer{}
	if out == nil {
		resp, err := handle.Send(ctx, ec, tools)
		return resp, buf, err
	}

	mid := make(chan Chunk, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ch := range mid {
			buf.absorb(ch)
			// End and error frames are emitted by the core itself after
			// persistence.
			if ch.Type == ChunkEnd || ch.Type == ChunkError {
				continue
			}
			out <- ch
		}
	}()
	resp, err := handle.Stream(ctx, ec, tools, mid)
	<-done
	if resp.Content == "" && buf.text.Len() > 0 {
		resp.Content = buf.text.String()
	}
	if len(resp.GroundingURLs) == 0 {
		resp.GroundingURLs = buf.grounding
	}
	return resp, buf, err
}

// finishFailedTurn persists what a failed generation left behind. Cancelled
// turns keep their partial output as an incomplete assistant message; policy
// blocks keep only the user message.
func (c *Core) finishFailedTurn(ctx context.Context, s *Session, decision RoutingDecision, buffered *streamBuffer, metrics InteractionMetrics, started time.Time, genErr error) (SendResult, error) {
	if IsCancelled(genErr) && buffered != nil && buffered.text.Len() > 0 {
		partial := Message{
			ID:            NewID(),
			Role:          RoleModel,
			Content:       buffered.text.String(),
			Agent:         decision.Agent,
			Timestamp:     c.now(),
			GroundingURLs: buffered.grounding,
			Incomplete:    true,
		}
		c.mergeAssistant(s, partial, Usage{})
		c.logger.Info("turn cancelled, partial persisted",
			"session", s.ID, "chars", buffered.text.Len())
	}
	s.Metadata.LastUpdated = c.now()
	c.persist(ctx, s)
	metrics.TotalDuration = time.Since(started)
	return SendResult{Routing: decision, State: s, Metrics: metrics}, genErr
}

// mergeAssistant applies the idempotent merge rule: equal content (after
// whitespace normalization) merges grounding URLs by uniqueness and attaches
// bullets only when absent; otherwise the message is appended. A complete
// retry whose content extends a persisted incomplete prefix replaces it.
// Token totals grow only on append. Reports whether a message was appended.
func (c *Core) mergeAssistant(s *Session, msg Message, usage Usage) bool {
	last := s.LastMessage()
	if last != nil && last.Role == RoleModel {
		lastNorm := normalizeSpace(last.Content)
		msgNorm := normalizeSpace(msg.Content)
		switch {
		case lastNorm == msgNorm:
			last.GroundingURLs = mergeURLs(last.GroundingURLs, msg.GroundingURLs)
			if len(last.ReasoningBullets) == 0 {
				last.ReasoningBullets = msg.ReasoningBullets
			}
			if !msg.Incomplete {
				last.Incomplete = false
			}
			if last.Agent == "" {
				last.Agent = msg.Agent
			}
			return false
		case last.Incomplete && !msg.Incomplete && strings.HasPrefix(msgNorm, lastNorm):
			// A successful retry over a persisted partial.
			last.Content = msg.Content
			last.GroundingURLs = mergeURLs(last.GroundingURLs, msg.GroundingURLs)
			last.ReasoningBullets = msg.ReasoningBullets
			last.Incomplete = false
			last.Agent = msg.Agent
			return false
		}
	}
	s.History = append(s.History, msg)
	s.Metadata.TotalTokens += usageOrEstimate(usage, msg.Content)
	return true
}

// recordTurn reports a completed turn to the metrics sink. Failed turns are
// not counted.
func (c *Core) recordTurn(ctx context.Context, decision RoutingDecision, prevAgent string, riskTriggered bool, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordTurn(ctx, TurnStats{
		Agent:         decision.Agent,
		Reason:        decision.Reason,
		AgentChanged:  prevAgent != "" && prevAgent != decision.Agent,
		RiskTriggered: riskTriggered,
		Duration:      d,
	})
}

// persist saves the session; a failure after a successful generation never
// fails the turn. The session is marked dirty and the save retried once.
func (c *Core) persist(ctx context.Context, s *Session) {
	if err := c.store.Save(ctx, s); err != nil {
		c.logger.Error("session save failed, marking dirty",
			"session", s.ID, "error", err)
		s.Dirty = true
		if err := c.store.Save(ctx, s); err != nil {
			c.logger.Error("dirty-flag save failed", "session", s.ID, "error", err)
		}
	}
}

func (c *Core) loadOrCreate(ctx context.Context, sessionID string, meta *SessionMeta) (*Session, error) {
	s, err := c.store.Load(ctx, sessionID)
	if err == nil {
		if s.Dirty {
			c.logger.Warn("reconciling dirty session", "session", sessionID)
			s.Dirty = false
		}
		patchClinical(s, meta)
		return s, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return c.sessions.CreateSession(ctx, "", "", AgentSocratico, sessionID, meta)
}

// reconcileFiles returns the turn's file references: pending uploads first,
// else the previous message's references carry forward.
func (c *Core) reconcileFiles(ctx context.Context, s *Session) []string {
	if c.files != nil {
		pending, err := c.files.PendingFiles(ctx, s.ID)
		if err != nil {
			c.logger.Warn("pending files lookup degraded", "session", s.ID, "error", err)
		} else if len(pending) > 0 {
			s.Metadata.FileRefs = mergeURLs(s.Metadata.FileRefs, pending)
			return pending
		}
	}
	if last := s.LastMessage(); last != nil && len(last.FileReferences) > 0 {
		return last.FileReferences
	}
	return nil
}

func (c *Core) loadPatient(ctx context.Context, s *Session) *Patient {
	if c.patients == nil || s.Clinical.PatientID == "" {
		return nil
	}
	p, err := c.patients.Load(ctx, s.Clinical.PatientID)
	if err != nil {
		c.logger.Warn("patient load degraded",
			"patient", s.Clinical.PatientID, "error", err)
		return nil
	}
	return p
}

// resolvePatientSummary attaches the full ficha on the patient's first turn
// in this session and a brief reference afterwards.
func (c *Core) resolvePatientSummary(s *Session, patient *Patient, meta *SessionMeta) string {
	if meta != nil && meta.SummaryText != "" {
		return meta.SummaryText
	}
	if patient == nil {
		return ""
	}
	if !hasModelTurn(s) {
		if patient.Summary.Text != "" {
			return "Paciente: " + patient.DisplayName + "\n" + patient.Summary.Text
		}
		return "Paciente: " + patient.DisplayName
	}
	return "Paciente: " + patient.DisplayName + " (ficha ya presentada en esta sesión)"
}

func hasModelTurn(s *Session) bool {
	for _, m := range s.History {
		if m.Role == RoleModel {
			return true
		}
	}
	return false
}

// drainBullets empties whatever the sink currently holds without blocking.
func drainBullets(sink *BulletSink) []string {
	if sink == nil {
		return nil
	}
	var out []string
	for {
		select {
		case b, ok := <-sink.Events():
			if !ok {
				return out
			}
			out = append(out, b)
		default:
			return out
		}
	}
}

// usageOrEstimate prefers reported token totals, estimating from content
// length otherwise.
func usageOrEstimate(u Usage, content string) int {
	if total := u.InputTokens + u.OutputTokens; total > 0 {
		return total
	}
	return EstimateTokens(content)
}

// normalizeSpace collapses all whitespace runs to single spaces and trims.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// mergeURLs appends extras not already present, preserving order.
func mergeURLs(base, extras []string) []string {
	seen := make(map[string]bool, len(base))
	for _, u := range base {
		seen[u] = true
	}
	for _, u := range extras {
		if !seen[u] {
			seen[u] = true
			base = append(base, u)
		}
	}
	return base
}
