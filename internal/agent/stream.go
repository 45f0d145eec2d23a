package agent

import (
	"context"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/stream"
)

// windowSink routes engine-produced messages back through the agent so
// persistence and truncation apply the same way Run's do.
type windowSink struct {
	a *Agent
}

func (s windowSink) AddMessages(ctx context.Context, msgs []providers.Message) bool {
	s.a.AddMessages(ctx, msgs)
	return true
}

// Stream runs a streamed exchange over the current buffer. When
// userMessage is non-empty it is appended first. Events arrive on the
// returned channel, which closes when the exchange settles.
func (a *Agent) Stream(ctx context.Context, userMessage string, hooks stream.Hooks) <-chan stream.Event {
	if userMessage != "" {
		a.AddMessage(ctx, providers.Message{Role: "user", Content: userMessage})
	}

	messages := a.window.GetMessages()
	if a.Dialect() == "anthropic" {
		messages = providers.ApplyPromptCaching(messages)
	}
	var defs []providers.ToolDefinition
	if a.registry != nil {
		defs = a.registry.Definitions()
	}

	engine := stream.NewEngine(a.client, a.dispatcher, hooks, a.log)
	return engine.Run(ctx, stream.Request{
		Messages: messages,
		System:   a.systemContext(),
		Tools:    defs,
		Model:    a.spec.Model,
		MaxTurns: a.spec.MaxTurns,
		Dialect:  a.Dialect(),
	}, windowSink{a: a})
}
