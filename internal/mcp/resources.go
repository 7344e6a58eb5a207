package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/owner888/smartbook/internal/mcp/session"
)

const (
	uriLibraryList     = "book://library/list"
	uriCurrentMetadata = "book://current/metadata"
	uriCurrentTOC      = "book://current/toc"
)

type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// handleResourcesList is context-sensitive: the current/* resources appear
// only once a book is selected (or selectable).
func (s *Server) handleResourcesList(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	resources := []resourceDescriptor{
		{
			URI:         uriLibraryList,
			Name:        "Book library",
			Description: "All books in the library with their index status",
			MimeType:    "application/json",
		},
	}
	if s.selectedBookName(sess) != "" {
		resources = append(resources,
			resourceDescriptor{
				URI:         uriCurrentMetadata,
				Name:        "Current book metadata",
				Description: "Metadata of the selected book",
				MimeType:    "application/json",
			},
			resourceDescriptor{
				URI:         uriCurrentTOC,
				Name:        "Current book table of contents",
				Description: "Chapter headings of the selected book",
				MimeType:    "text/plain",
			},
		)
	}
	return map[string]any{"resources": resources}, nil
}

func (s *Server) handleResourceTemplates(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	return map[string]any{"resourceTemplates": []any{}}, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, sess session.Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, invalidParams("uri is required")
	}

	switch p.URI {
	case uriLibraryList:
		infos, err := s.books.Library().List()
		if err != nil {
			return nil, internalError(err)
		}
		text, _ := json.MarshalIndent(infos, "", "  ")
		return resourceContents(p.URI, "application/json", string(text)), nil

	case uriCurrentMetadata:
		entry, _, rpcErr := s.currentEntry(ctx, sess)
		if rpcErr != nil {
			return nil, rpcErr
		}
		text, _ := json.MarshalIndent(entry.Meta, "", "  ")
		return resourceContents(p.URI, "application/json", string(text)), nil

	case uriCurrentTOC:
		entry, _, rpcErr := s.currentEntry(ctx, sess)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return resourceContents(p.URI, "text/plain", strings.Join(entry.TOC, "\n")), nil
	}
	return nil, invalidParams("unknown resource: %s", p.URI)
}

func resourceContents(uri, mimeType, text string) map[string]any {
	return map[string]any{
		"contents": []map[string]any{
			{"uri": uri, "mimeType": mimeType, "text": text},
		},
	}
}
