// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"strings"
	"testing"
)

func TestMarkdownAdapterRendersHTML(t *testing.T) {
	t.Parallel()
	rendered, err := MarkdownAdapter{}.Render("# Notes\n\nSome **bold** text.\n\n- item one\n- item two\n", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"<h1>Notes</h1>", "<strong>bold</strong>", "<li>item one</li>"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered output missing %q:\n%s", want, rendered)
		}
	}
}

func TestMarkdownAdapterGFMTables(t *testing.T) {
	t.Parallel()
	rendered, err := MarkdownAdapter{}.Render("| a | b |\n|---|---|\n| 1 | 2 |\n", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(rendered, "<table>") {
		t.Errorf("GFM table not rendered:\n%s", rendered)
	}
}

func TestMarkdownAdapterTitleFromMetadata(t *testing.T) {
	t.Parallel()
	meta := map[string][]byte{MetaKeyTitle: []byte("Incident Report")}
	rendered, err := MarkdownAdapter{}.Render("Details below.", meta)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(rendered, "<h1>Incident Report</h1>") {
		t.Errorf("title heading missing:\n%s", rendered)
	}
}

func TestMarkdownAdapterEscapesTitle(t *testing.T) {
	t.Parallel()
	meta := map[string][]byte{MetaKeyTitle: []byte(`<script>alert("x")</script>`)}
	rendered, err := MarkdownAdapter{}.Render("", meta)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(rendered, "<script>") {
		t.Errorf("title not escaped:\n%s", rendered)
	}
}
