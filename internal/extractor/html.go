package extractor

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/k3a/html2text"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"askdocs-go/internal/model"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

func extractHTML(_ context.Context, content []byte) (string, model.FormatMetadata, error) {
	meta := model.FormatMetadata{Format: "html"}
	text, title, desc, err := htmlToText(content)
	if err != nil {
		return "", meta, err
	}
	meta.Title = title
	meta.Description = desc
	return text, meta, nil
}

// extractMarkdown 先渲染为 HTML 再剥离标签，标题取第一个一级标题。
func extractMarkdown(_ context.Context, content []byte) (string, model.FormatMetadata, error) {
	meta := model.FormatMetadata{Format: "markdown"}
	var buf bytes.Buffer
	if err := markdown.Convert(content, &buf); err != nil {
		return "", meta, err
	}
	text, _, _, err := htmlToText(buf.Bytes())
	if err != nil {
		return "", meta, err
	}
	meta.Title = FirstHeading(string(content))
	return text, meta, nil
}

// htmlToText 去除 script/style 后转为纯文本，同时取出 <title> 与 meta description。
func htmlToText(src []byte) (text, title, description string, err error) {
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return "", "", "", err
	}

	var strip []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" {
					title = strings.Join(strings.Fields(nodeText(n)), " ")
				}
				strip = append(strip, n)
				return
			case atom.Meta:
				if strings.EqualFold(attr(n, "name"), "description") && description == "" {
					description = strings.TrimSpace(attr(n, "content"))
				}
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				strip = append(strip, n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	for _, n := range strip {
		n.Parent.RemoveChild(n)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", "", "", err
	}
	return cleanText(html2text.HTML2Text(buf.String())), title, description, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// cleanText 统一换行符，去掉行首尾空白，连续空行压缩为一行。
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// FirstHeading 返回 Markdown 文本中第一个一级标题，围栏代码块内的行被忽略。
func FirstHeading(src string) string {
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	inFence := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimRight(strings.TrimPrefix(line, "# "), "#"))
		}
	}
	return ""
}
