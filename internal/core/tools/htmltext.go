// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tools implements the helpers the agents work with. This file turns
// HTML into the plain text the landing page agents read.
package tools

import (
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// boilerplate elements never contribute text.
var boilerplate = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Template: true,
}

// blocks end the current line.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Tr: true, atom.Table: true,
	atom.Br: true, atom.Blockquote: true, atom.Figcaption: true, atom.Dd: true, atom.Dt: true,
}

// noiseMarkers identify cookie and consent containers by id or class.
var noiseMarkers = []string{"cookie", "consent", "gdpr", "onetrust"}

// ExtractText returns the readable text of an HTML document without
// navigation, headers, footers, scripts and consent banners. When the document
// has a <main> or <article> element, only its text is used.
//
// Consent markers are matched on id and class, which also catches page wide
// wrappers such as <body class="has-cookie-banner">. A marker filter that
// leaves no text is therefore dropped, and the document is read again with
// only the structural boilerplate removed.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	// Passes in order of preference: the content root, then the whole document,
	// each with and without the consent markers.
	root := findContentRoot(doc)
	passes := []struct {
		node    *html.Node
		markers bool
	}{
		{root, true},
		{doc, true},
		{root, false},
		{doc, false},
	}
	for i, pass := range passes {
		// Without <main> or <article> the root is the document; skip the repeats.
		if pass.node == doc && root == doc && i%2 == 1 {
			continue
		}
		var sb strings.Builder
		collectText(pass.node, &sb, pass.markers)
		if text := normalizeLines(sb.String()); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// findContentRoot returns the first <main> or <article> in document order, or doc.
func findContentRoot(doc *html.Node) *html.Node {
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Main || n.DataAtom == atom.Article) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if found == nil {
		return doc
	}
	return found
}

// isNoise reports whether n is boilerplate. The document element and body are
// never dropped for their id or class.
func isNoise(n *html.Node, markers bool) bool {
	if boilerplate[n.DataAtom] {
		return true
	}
	if !markers || n.DataAtom == atom.Html || n.DataAtom == atom.Body {
		return false
	}
	for _, attr := range n.Attr {
		if attr.Key != "id" && attr.Key != "class" {
			continue
		}
		value := strings.ToLower(attr.Val)
		for _, marker := range noiseMarkers {
			if strings.Contains(value, marker) {
				return true
			}
		}
	}
	return false
}

// collectText appends the text below n, ending every block element with a newline.
func collectText(n *html.Node, sb *strings.Builder, markers bool) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(collapseSpace(n.Data))
		return
	case html.ElementNode:
		if isNoise(n, markers) {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb, markers)
	}
	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		sb.WriteByte('\n')
	}
}

// collapseSpace turns every whitespace run of a text node into one space, so
// line breaks only come from block elements.
func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeftFunc(s, unicode.IsSpace) != s {
		out = " " + out
	}
	if strings.TrimRightFunc(s, unicode.IsSpace) != s {
		out += " "
	}
	return out
}

// normalizeLines collapses whitespace and drops blank and duplicate lines.
func normalizeLines(s string) string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
