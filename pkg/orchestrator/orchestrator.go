// Package orchestrator assembles one assistant turn end to end: the
// fire-and-forget memory write, history replay, knowledge injection,
// memory recall, compression, and the agent loop.
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/agent"
	"github.com/fluxgate-ai/fluxgate/pkg/compressor"
	"github.com/fluxgate-ai/fluxgate/pkg/config"
	"github.com/fluxgate-ai/fluxgate/pkg/history"
	"github.com/fluxgate-ai/fluxgate/pkg/knowledge"
	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/mcp"
	"github.com/fluxgate-ai/fluxgate/pkg/memory"
	"github.com/fluxgate-ai/fluxgate/pkg/provider"
	"github.com/fluxgate-ai/fluxgate/pkg/server"
	"github.com/fluxgate-ai/fluxgate/pkg/skills"
	"github.com/fluxgate-ai/fluxgate/pkg/stream"
	"github.com/fluxgate-ai/fluxgate/pkg/sysprompt"
	"github.com/fluxgate-ai/fluxgate/pkg/tools"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

// Orchestrator implements server.Pipeline.
type Orchestrator struct {
	cfg       *config.Config
	store     *history.Store
	broker    stream.Broker
	memory    *memory.Client
	retriever *knowledge.Retriever
	skills    *skills.Discovery

	// resolveProvider is replaceable in tests.
	resolveProvider func(model string) (provider.Provider, error)
}

// New wires the orchestrator from configuration.
func New(cfg *config.Config, store *history.Store, broker stream.Broker, memoryClient *memory.Client) *Orchestrator {
	vector := knowledge.NewHTTPVectorClient(cfg.Knowledge.VectorBaseURL)
	opts := provider.Options{
		OpenAIAPIKey:    cfg.Provider.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.Provider.OpenAIBaseURL,
		AnthropicAPIKey: cfg.Provider.AnthropicAPIKey,
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		memory:    memoryClient,
		retriever: knowledge.NewRetriever(store, vector, cfg.Knowledge.KBHeadLimit),
		skills:    skills.NewDiscovery(cfg.Skills.Dirs...),
		resolveProvider: func(model string) (provider.Provider, error) {
			return provider.Resolve(model, opts)
		},
	}
}

// Run produces the assistant response for one subtask.
func (o *Orchestrator) Run(ctx context.Context, task *chattypes.Task, subtask *chattypes.Subtask, req server.ChatRequest, onDelta func(string) error) (server.Outcome, error) {
	log := logger.G(ctx).WithField("task_id", task.ID).WithField("subtask_id", subtask.ID)

	// The write-behind fires as soon as the turn starts; a failure later in
	// the pipeline must not drop it.
	if o.memory.Enabled() {
		meta := memory.Metadata{
			TaskID:      strconv.FormatInt(task.ID, 10),
			SubtaskID:   strconv.FormatInt(subtask.ID, 10),
			TeamID:      req.TeamID,
			IsGroupChat: task.IsGroupChat,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if task.IsGroupChat {
			meta.GroupID = strconv.FormatInt(task.ID, 10)
		}
		o.memory.SaveUserMessageAsync(ctx, req.UserID, []llmtypes.Message{{
			Role:    llmtypes.RoleUser,
			Content: req.Message,
		}}, meta)
	}

	model := req.ModelID
	if model == "" {
		model = o.cfg.Provider.DefaultModel
	}
	prov, err := o.resolveProvider(model)
	if err != nil {
		return server.Outcome{}, errors.Wrap(err, "failed to resolve provider")
	}

	turn, err := o.prepareTurn(ctx, task, subtask, req)
	if err != nil {
		return server.Outcome{}, err
	}

	var memories []memory.Record
	if o.memory.Enabled() {
		memories = o.memory.SearchMemories(ctx, req.UserID, req.Message)
	}

	registry, closeTools, state := o.buildTools(ctx, task, req, turn)
	defer closeTools(ctx)

	comp := compressor.New(model, compressor.Options{
		Enabled:          o.cfg.Compression.Enabled,
		FirstMessages:    o.cfg.Compression.FirstMessages,
		LastMessages:     o.cfg.Compression.LastMessages,
		AttachmentLength: o.cfg.Compression.AttachmentLength,
	})
	messages := comp.CompressIfNeeded(ctx, turn.messages)

	system := sysprompt.Build(sysprompt.Params{
		Memories: memories,
		KBMode:   turn.kbMode,
		HasKB:    turn.hasKB,
	})

	runner := agent.NewRunner(prov, registry, tools.NewExecutor(o.cfg.Tools.Timeout), agent.Options{
		MaxIterations:    o.cfg.Agent.MaxIterations,
		DisplayWhitelist: []string{"web_search", "knowledge_base_search"},
		Cancelled: func(ctx context.Context) bool {
			return stream.IsCancelled(ctx, o.broker, subtask.ID)
		},
	})

	// A delta-sink failure (client gone, persistence broken) cancels the
	// provider stream instead of generating into the void.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var sinkOnce sync.Once
	var sinkErr error
	sink := func(ev agent.Event) {
		if ev.Type != agent.EventTextDelta || sinkErr != nil {
			return
		}
		if err := onDelta(ev.Text); err != nil {
			sinkOnce.Do(func() {
				sinkErr = err
				cancelRun()
			})
		}
	}

	result, err := runner.Run(runCtx, state, agent.Request{
		Model:    model,
		System:   system,
		Messages: messages,
	}, sink)
	if sinkErr != nil {
		return server.Outcome{}, errors.Wrap(sinkErr, "stream sink failed")
	}
	if err != nil {
		return server.Outcome{}, err
	}

	log.WithField("iterations", result.Iterations).Debug("turn complete")
	return server.Outcome{Result: result, LoadedSkills: state.LoadedSkills()}, nil
}

// turnContext is everything prepareTurn derives from durable state for one
// assistant turn.
type turnContext struct {
	messages []llmtypes.Message
	kbMode   knowledge.PromptMode
	hasKB    bool
	// kbContexts maps kb_id to the context record bound to the current
	// user subtask, for retrieval observability writes.
	kbContexts map[string]int64
}

// prepareTurn replays history into provider messages and binds this turn's
// knowledge bases.
func (o *Orchestrator) prepareTurn(ctx context.Context, task *chattypes.Task, subtask *chattypes.Subtask, req server.ChatRequest) (*turnContext, error) {
	log := logger.G(ctx)
	turn := &turnContext{kbContexts: map[string]int64{}}

	rows, err := o.store.ListMessages(ctx, task.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load history")
	}

	// The current user subtask is the assistant's parent.
	var currentUser *chattypes.Subtask
	for i := range rows {
		if rows[i].Role == chattypes.RoleUser && rows[i].MessageID == subtask.ParentID {
			currentUser = &rows[i]
		}
	}
	if currentUser != nil {
		for _, kbID := range req.SelectedKnowledgeIDs {
			record := &chattypes.Context{
				SubtaskID:   currentUser.ID,
				Type:        chattypes.ContextKnowledgeBase,
				Status:      chattypes.ContextReady,
				KnowledgeID: kbID,
			}
			if err := o.store.CreateContext(ctx, record); err != nil {
				return nil, errors.Wrapf(err, "failed to bind knowledge base %s", kbID)
			}
		}
	}

	explicit := len(req.SelectedKnowledgeIDs) > 0
	anyRAG := false
	kbIDs := map[string]bool{}

	for _, row := range rows {
		switch row.Role {
		case chattypes.RoleUser:
			contexts, err := o.store.ListContexts(ctx, row.ID)
			if err != nil {
				return nil, errors.Wrap(err, "failed to load contexts")
			}
			var attachments []chattypes.Context
			var kbBlocks []knowledge.KBBlock
			for _, record := range contexts {
				switch record.Type {
				case chattypes.ContextAttachment:
					if record.Status == chattypes.ContextReady {
						attachments = append(attachments, record)
					}
				case chattypes.ContextKnowledgeBase:
					block, rag := o.materialiseKB(ctx, record)
					if block != nil {
						kbBlocks = append(kbBlocks, *block)
					}
					if record.KnowledgeID != "" {
						kbIDs[record.KnowledgeID] = true
						if rag {
							anyRAG = true
						}
						if row.ID == rowID(currentUser) {
							turn.kbContexts[record.KnowledgeID] = record.ID
						}
					}
				}
			}
			turn.messages = append(turn.messages, llmtypes.Message{
				Role:  llmtypes.RoleUser,
				Parts: knowledge.BuildUserContent(attachments, kbBlocks, row.Prompt, o.cfg.Knowledge.MaxExtractedTextLength),
			})
		case chattypes.RoleAssistant:
			if row.ID == subtask.ID {
				continue
			}
			content := ""
			if row.Result != nil {
				content = row.Result.Value
			}
			if content == "" {
				continue
			}
			turn.messages = append(turn.messages, llmtypes.Message{
				Role:    llmtypes.RoleAssistant,
				Content: content,
			})
		}
	}

	turn.hasKB = len(kbIDs) > 0
	if turn.hasKB {
		turn.kbMode = knowledge.SelectPromptMode(explicit, anyRAG)
	} else {
		log.Debug("no knowledge bases bound to this turn")
	}
	return turn, nil
}

func rowID(subtask *chattypes.Subtask) int64 {
	if subtask == nil {
		return 0
	}
	return subtask.ID
}

// materialiseKB rebuilds one knowledge-base context record into a prompt
// block. RAG-enabled KBs contribute nothing directly; their content arrives
// through the search tool. Failures degrade to an absent block.
func (o *Orchestrator) materialiseKB(ctx context.Context, record chattypes.Context) (*knowledge.KBBlock, bool) {
	log := logger.G(ctx).WithField("kb_id", record.KnowledgeID)
	kb, err := o.store.GetKnowledgeBase(ctx, record.KnowledgeID)
	if err != nil {
		log.WithError(err).Warn("failed to load knowledge base, skipping")
		return nil, false
	}

	switch {
	case record.TypeData.RAGResult != nil:
		return &knowledge.KBBlock{KBID: kb.ID, Name: kb.Name, Content: record.TypeData.RAGResult.Content}, kb.RAGEnabled
	case record.TypeData.KBHeadResult != nil:
		head := record.TypeData.KBHeadResult
		content, err := o.retriever.Slice(ctx, kb.ID, head.DocumentIDs, head.Offset, head.Limit)
		if err != nil {
			log.WithError(err).Warn("failed to replay document slice")
			return nil, kb.RAGEnabled
		}
		return &knowledge.KBBlock{KBID: kb.ID, Name: kb.Name, Content: content}, kb.RAGEnabled
	case kb.RAGEnabled:
		// Content arrives via knowledge_base_search.
		return nil, true
	default:
		content, err := o.retriever.MaterialiseDirect(ctx, kb.ID)
		if err != nil {
			log.WithError(err).Warn("failed to materialise knowledge base")
			return nil, false
		}
		return &knowledge.KBBlock{KBID: kb.ID, Name: kb.Name, Content: content}, false
	}
}

// buildTools assembles the per-turn tool registry. The returned closer tears
// down MCP sessions in reverse acquisition order.
func (o *Orchestrator) buildTools(ctx context.Context, task *chattypes.Task, req server.ChatRequest, turn *turnContext) (*tools.Registry, func(context.Context), *tools.SessionState) {
	log := logger.G(ctx)
	registry := tools.NewRegistry()
	state := tools.NewSessionState()
	closer := func(context.Context) {}

	registry.MustRegister(tools.NewSkillTool(o.skills))

	if turn.hasKB {
		registry.MustRegister(
			tools.NewKnowledgeSearchTool(o.retriever, o.store),
			tools.NewKBListTool(o.retriever, o.store),
			tools.NewKBHeadTool(o.retriever, o.store, func(head chattypes.KBHeadResult) {
				o.recordSlice(ctx, turn, head)
			}),
		)
	}

	if o.cfg.WebSearch.Enabled && req.EnableWebSearch {
		engine, err := tools.NewSearchEngine(o.cfg.WebSearch.SearchEngine)
		if err != nil {
			log.WithError(err).Warn("web search disabled")
		} else {
			registry.MustRegister(tools.NewWebSearchTool(engine))
		}
	}

	if o.cfg.MCP.Enabled && o.cfg.MCP.Servers != "" {
		servers, err := mcp.ParseServersConfig(o.cfg.MCP.Servers, map[string]any{
			"task": map[string]any{
				"id":      strconv.FormatInt(task.ID, 10),
				"user_id": req.UserID,
				"team_id": req.TeamID,
			},
		})
		if err != nil {
			log.WithError(err).Warn("invalid MCP server config, skipping MCP tools")
		} else if manager, err := mcp.NewManager(servers); err != nil {
			log.WithError(err).Warn("failed to build MCP manager")
		} else {
			manager.Connect(ctx)
			for _, tool := range manager.Tools(ctx) {
				if err := registry.Register(tool); err != nil {
					log.WithError(err).WithField("tool", tool.Name()).Warn("skipping MCP tool")
				}
			}
			closer = func(ctx context.Context) {
				if err := manager.Close(ctx); err != nil {
					log.WithError(err).Warn("MCP teardown reported errors")
				}
			}
		}
	}

	return registry, closer, state
}

// recordSlice persists a kb_head read onto the turn's KB context record so
// the next turn replays the identical bytes.
func (o *Orchestrator) recordSlice(ctx context.Context, turn *turnContext, head chattypes.KBHeadResult) {
	contextID, ok := turn.kbContexts[head.KBID]
	if !ok {
		return
	}
	record := chattypes.Context{}
	knowledge.RecordRetrieval(&record, nil, &head)
	if err := o.store.UpdateContextTypeData(ctx, contextID, record.TypeData); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to persist kb_head slice")
	}
}
