// Package prompt assembles upstream requests for each serving mode: RAG
// question answering, free chat, story continuation, and history
// summarization.
package prompt

import (
	"fmt"
	"strings"

	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/retrieval"
)

// Mode configures one serving mode's system prompt and upstream options.
type Mode struct {
	Name            string `yaml:"name"`
	System          string `yaml:"system"`
	IncludeThoughts bool   `yaml:"include_thoughts"`
	EnableSearch    bool   `yaml:"enable_search"`
	Model           string `yaml:"model"`
}

const ragSystem = `你是一位博学的读书助手。请严格根据提供的书籍片段回答问题。
如果片段中没有相关信息，请明确说明"书中没有提到"，不要编造内容。
回答时引用片段中的原文作为依据。`

const chatSystem = `你是一位友好的读书伙伴，和用户讨论书籍内容。
结合此前的对话内容自然地回应，保持前后一致。`

const continueSystem = `你是一位小说续写者。请延续给定文字的叙事风格、语气和人称继续写作。
不要解释、不要加标题，直接续写正文。`

const summarizeSystem = `请将以下对话压缩成一段简明的摘要，保留人物、事实和已达成的结论。
若已有早先的摘要，将其与新对话合并为一段连贯的摘要。只输出摘要本身。`

// Defaults returns the built-in mode set. A YAML file can override any field.
func Defaults() map[string]Mode {
	return map[string]Mode{
		"rag":       {Name: "rag", System: ragSystem},
		"chat":      {Name: "chat", System: chatSystem},
		"continue":  {Name: "continue", System: continueSystem},
		"summarize": {Name: "summarize", System: summarizeSystem},
	}
}

// Assembler builds llm.GenerateRequest values from mode configs.
type Assembler struct {
	modes map[string]Mode
}

func NewAssembler(modes map[string]Mode) *Assembler {
	if modes == nil {
		modes = Defaults()
	}
	return &Assembler{modes: modes}
}

func (a *Assembler) mode(name string) Mode {
	if m, ok := a.modes[name]; ok {
		return m
	}
	return Defaults()[name]
}

// RAG builds the retrieval-augmented request: sources block, optional
// history summary, then the question.
func (a *Assembler) RAG(question string, results []retrieval.Result, summary string) llm.GenerateRequest {
	m := a.mode("rag")

	var sb strings.Builder
	sb.WriteString("以下是书中最相关的片段：\n\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "【片段 %d】\n%s\n\n", i+1, r.Chunk.Text)
	}
	if summary != "" {
		sb.WriteString("此前对话的摘要：\n" + summary + "\n\n")
	}
	sb.WriteString("问题：" + question)

	return llm.GenerateRequest{
		System:          m.System,
		Messages:        []llm.Message{{Role: "user", Content: sb.String()}},
		Model:           m.Model,
		IncludeThoughts: m.IncludeThoughts,
		EnableSearch:    m.EnableSearch,
	}
}

// Chat builds a free-chat request, prepending the stored summary (when
// present) and the retained history before the new messages.
func (a *Assembler) Chat(incoming []llm.Message, summary string, historyMsgs []llm.Message) llm.GenerateRequest {
	m := a.mode("chat")
	system := m.System
	if summary != "" {
		system += "\n\n此前对话的摘要：\n" + summary
	}
	msgs := make([]llm.Message, 0, len(historyMsgs)+len(incoming))
	msgs = append(msgs, historyMsgs...)
	msgs = append(msgs, incoming...)
	return llm.GenerateRequest{
		System:          system,
		Messages:        msgs,
		Model:           m.Model,
		IncludeThoughts: m.IncludeThoughts,
		EnableSearch:    m.EnableSearch,
	}
}

// Continuation builds a style-preserving continuation request.
func (a *Assembler) Continuation(text string) llm.GenerateRequest {
	m := a.mode("continue")
	return llm.GenerateRequest{
		System:          m.System,
		Messages:        []llm.Message{{Role: "user", Content: text}},
		Model:           m.Model,
		IncludeThoughts: m.IncludeThoughts,
		EnableSearch:    m.EnableSearch,
	}
}

// Summarize builds the compaction request over the messages being dropped.
func (a *Assembler) Summarize(previousSummary string, dropped []llm.Message) llm.GenerateRequest {
	m := a.mode("summarize")
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString("早先的摘要：\n" + previousSummary + "\n\n")
	}
	sb.WriteString("对话内容：\n")
	for _, msg := range dropped {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return llm.GenerateRequest{
		System:   m.System,
		Messages: []llm.Message{{Role: "user", Content: sb.String()}},
		Model:    m.Model,
	}
}
