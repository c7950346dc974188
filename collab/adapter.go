// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Adapter translates the generic CRDT containers (a text sequence and
// a metadata map) into an editor-facing rendered form. The engine
// itself is editor-agnostic: everything editor-specific lives behind
// this interface.
type Adapter interface {
	// Render produces the human-readable projection stored alongside
	// snapshots and served to non-realtime consumers. text is the
	// document's text container; meta is its metadata map.
	Render(text string, meta map[string][]byte) (string, error)
}

// MetaKeyTitle is the metadata map key carrying the document title.
const MetaKeyTitle = "title"

// markdownRendererInstance is initialized once and reused. The
// configuration never changes and a goldmark.Markdown is safe to share
// across goroutines.
var (
	markdownRendererInstance goldmark.Markdown
	markdownRendererOnce     sync.Once
)

func getMarkdownRenderer() goldmark.Markdown {
	markdownRendererOnce.Do(func() {
		markdownRendererInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
			),
		)
	})
	return markdownRendererInstance
}

// MarkdownAdapter treats the text container as markdown and renders it
// to HTML for history browsing and listing pages. The title from the
// metadata map becomes a leading heading when present.
type MarkdownAdapter struct{}

// Render implements Adapter.
func (MarkdownAdapter) Render(text string, meta map[string][]byte) (string, error) {
	var output strings.Builder
	if title := string(meta[MetaKeyTitle]); title != "" {
		fmt.Fprintf(&output, "<h1>%s</h1>\n", html.EscapeString(title))
	}
	var body bytes.Buffer
	if err := getMarkdownRenderer().Convert([]byte(text), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	output.Write(body.Bytes())
	return output.String(), nil
}
