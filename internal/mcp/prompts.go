package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owner888/smartbook/internal/mcp/session"
)

type promptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Arguments   []promptArgument `json:"arguments,omitempty"`
}

type promptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

var promptCatalog = []promptDescriptor{
	{
		Name:        "ask_book",
		Description: "Answer a question strictly from the selected book's text",
		Arguments: []promptArgument{
			{Name: "question", Description: "The question to answer", Required: true},
		},
	},
	{
		Name:        "summarize_chapter",
		Description: "Summarize one chapter of the selected book",
		Arguments: []promptArgument{
			{Name: "chapter", Description: "Chapter title or number", Required: true},
		},
	},
	{
		Name:        "continue_story",
		Description: "Continue the book's narrative in its own style",
	},
}

func (s *Server) handlePromptsList(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	return map[string]any{"prompts": promptCatalog}, nil
}

func (s *Server) handlePromptsGet(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, invalidParams("name is required")
	}

	var desc, text string
	switch p.Name {
	case "ask_book":
		question := p.Arguments["question"]
		if question == "" {
			return nil, invalidParams("argument question is required")
		}
		desc = "Answer from the selected book"
		text = fmt.Sprintf("Use search_book to find passages relevant to the question, "+
			"then answer strictly from them, citing the passages.\n\nQuestion: %s", question)
	case "summarize_chapter":
		chapter := p.Arguments["chapter"]
		if chapter == "" {
			return nil, invalidParams("argument chapter is required")
		}
		desc = "Summarize one chapter"
		text = fmt.Sprintf("Use search_book to retrieve the text of chapter %q, "+
			"then summarize its events and characters.", chapter)
	case "continue_story":
		desc = "Continue the narrative"
		text = "Read book://current/toc and the final passages via search_book, " +
			"then continue the story preserving the narrative voice."
	default:
		return nil, invalidParams("unknown prompt: %s", p.Name)
	}

	return map[string]any{
		"description": desc,
		"messages": []map[string]any{
			{
				"role":    "user",
				"content": map[string]any{"type": "text", "text": text},
			},
		},
	}, nil
}

// handleComplete offers argument completion: book filenames for select_book
// and the fixed resource URI set.
func (s *Server) handleComplete(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Ref struct {
			Type string `json:"type"`
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid completion params")
	}

	var values []string
	switch {
	case p.Ref.Type == "ref/resource":
		for _, uri := range []string{uriLibraryList, uriCurrentMetadata, uriCurrentTOC} {
			if strings.HasPrefix(uri, p.Argument.Value) {
				values = append(values, uri)
			}
		}
	case p.Argument.Name == "book":
		infos, err := s.books.Library().List()
		if err != nil {
			return nil, internalError(err)
		}
		for _, info := range infos {
			if strings.HasPrefix(info.File, p.Argument.Value) {
				values = append(values, info.File)
			}
		}
	}
	if len(values) > 100 {
		values = values[:100]
	}
	return map[string]any{
		"completion": map[string]any{
			"values":  values,
			"total":   len(values),
			"hasMore": false,
		},
	}, nil
}
