package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/owner888/smartbook/internal/book"
	"github.com/owner888/smartbook/internal/broker"
	"github.com/owner888/smartbook/internal/mcp/session"
	"github.com/owner888/smartbook/internal/tools"
)

type sessionIDKey struct{}

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// selectedBookName returns the session's selection, or the first indexed
// library entry as the implicit default.
func (s *Server) selectedBookName(sess session.Session) string {
	if sess.SelectedBook != "" {
		return sess.SelectedBook
	}
	infos, err := s.books.Library().List()
	if err != nil || len(infos) == 0 {
		return ""
	}
	for _, info := range infos {
		if info.HasIndex {
			return info.File
		}
	}
	return infos[0].File
}

// currentEntry loads the selected book, auto-selecting and persisting the
// default when the session has none.
func (s *Server) currentEntry(ctx context.Context, sess session.Session) (*book.Entry, session.Session, *rpcError) {
	file := s.selectedBookName(sess)
	if file == "" {
		return nil, sess, invalidParams("no book selected and the library is empty")
	}
	if sess.SelectedBook == "" {
		sess = s.sessions.Update(sess.ID, func(st *session.Session) {
			st.SelectedBook = file
		})
	}
	entry, err := s.books.Get(ctx, file)
	if err != nil {
		return nil, sess, internalError(fmt.Errorf("load book %s: %w", file, err))
	}
	return entry, sess, nil
}

func (s *Server) sessionFromCtx(ctx context.Context) (session.Session, error) {
	id := sessionIDFrom(ctx)
	if id == "" {
		return session.Session{}, fmt.Errorf("no session bound to call")
	}
	return s.sessions.GetOrRecreate(id), nil
}

func jsonText(v any) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}

func (s *Server) registerBookTools() {
	s.registry.Register(tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "list_books",
			Description: "List the books in the library with format and index status",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			infos, err := s.books.Library().List()
			if err != nil {
				return "", err
			}
			return jsonText(map[string]any{"books": infos, "count": len(infos)}), nil
		},
	})

	s.registry.Register(tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "select_book",
			Description: "Select the book subsequent calls operate on",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"book": map[string]any{"type": "string", "description": "Book filename from list_books"},
				},
				"required": []string{"book"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			file, _ := args["book"].(string)
			if file == "" {
				return "", fmt.Errorf("book argument is required")
			}
			if _, err := s.books.Library().Resolve(file); err != nil {
				return "", err
			}
			sess, err := s.sessionFromCtx(ctx)
			if err != nil {
				return "", err
			}
			s.sessions.Update(sess.ID, func(st *session.Session) {
				st.SelectedBook = file
			})
			return jsonText(map[string]any{"success": true, "book": file}), nil
		},
	})

	s.registry.Register(tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "get_book_info",
			Description: "Metadata of the selected book (auto-selects the first indexed book)",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			sess, err := s.sessionFromCtx(ctx)
			if err != nil {
				return "", err
			}
			entry, _, rpcErr := s.currentEntry(ctx, sess)
			if rpcErr != nil {
				return "", rpcErr
			}
			return jsonText(map[string]any{
				"file":     entry.File,
				"metadata": entry.Meta,
				"chunks":   entry.Engine.Size(),
				"indexed":  entry.Engine.Dimension() > 0,
			}), nil
		},
	})

	s.registry.Register(tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "search_book",
			Description: "Hybrid keyword+vector search over the selected book",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"top_k": map[string]any{"type": "integer", "default": 5},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query argument is required")
			}
			topK := 5
			if v, ok := args["top_k"].(float64); ok && v > 0 {
				topK = int(v)
			}
			sess, err := s.sessionFromCtx(ctx)
			if err != nil {
				return "", err
			}
			entry, _, rpcErr := s.currentEntry(ctx, sess)
			if rpcErr != nil {
				return "", rpcErr
			}

			queryEmbedding, err := s.provider.Embed(ctx, query)
			if err != nil {
				// degrade to keyword-only
				queryEmbedding = nil
			}
			results := entry.Engine.Search(ctx, query, queryEmbedding, topK, s.keywordWeight)

			sources := make([]broker.Source, len(results))
			for i, r := range results {
				sources[i] = broker.Source{
					ID:           r.Chunk.ID,
					Text:         r.Chunk.Text,
					Score:        r.Score,
					KeywordScore: r.KeywordScore,
					VectorScore:  r.VectorScore,
				}
			}
			return jsonText(map[string]any{
				"book":    entry.File,
				"query":   query,
				"results": sources,
			}), nil
		},
	})

	s.registry.Register(tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "server_status",
			Description: "Health snapshot of the server",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			infos, _ := s.books.Library().List()
			return jsonText(map[string]any{
				"status":    "ok",
				"timestamp": time.Now().Unix(),
				"provider":  s.provider.Name(),
				"books":     len(infos),
				"loaded":    len(s.books.Loaded()),
			}), nil
		},
	})
}
