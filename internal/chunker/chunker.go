// Package chunker 将规范化后的文本切分为受 token 上限约束、相互重叠的语义分块。
//
// 切分优先级固定为 段落 → 句子 → 按 token 硬切：
// 先以段落为单位贪心打包，段落本身超限时再按句子打包，单句仍超限才按 token 数硬切。
package chunker

import (
	"strings"
	"unicode"

	"askdocs-go/internal/model"
)

const (
	DefaultMaxTokens      = 512
	DefaultOverlapTokens  = 50
	DefaultMinChunkTokens = 50

	paragraphSep = "\n\n"
	sentenceSep  = " "
)

// Chunker 是文档分块器。
type Chunker struct {
	maxTokens      int
	overlapTokens  int
	minChunkTokens int
	tok            Tokenizer
}

// Option 配置 Chunker。
type Option func(*Chunker)

// WithMaxTokens 设置单个分块的 token 上限。
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOverlapTokens 设置相邻分块的重叠预算。
func WithOverlapTokens(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlapTokens = n
		}
	}
}

// WithMinChunkTokens 设置尾部分块的最小 token 数，低于该值时向前合并。
func WithMinChunkTokens(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.minChunkTokens = n
		}
	}
}

// WithTokenizer 替换默认分词器。
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		if t != nil {
			c.tok = t
		}
	}
}

// New 创建一个 Chunker。
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens:      DefaultMaxTokens,
		overlapTokens:  DefaultOverlapTokens,
		minChunkTokens: DefaultMinChunkTokens,
		tok:            WordTokenizer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlapTokens >= c.maxTokens {
		c.overlapTokens = c.maxTokens / 2
	}
	return c
}

// Tokenizer 返回分块器使用的分词器。
func (c *Chunker) Tokenizer() Tokenizer {
	return c.tok
}

// MaxTokens 返回分块 token 上限。
func (c *Chunker) MaxTokens() int {
	return c.maxTokens
}

// Chunk 切分文本，chunk_index 从 0 连续递增，所有分块共享 meta 中的文档归属。
func (c *Chunker) Chunk(text string, meta model.EnrichedMetadata) []model.Chunk {
	paragraphs := Paragraphs(Normalize(text))
	if len(paragraphs) == 0 {
		return nil
	}

	p := &packer{c: c}
	for _, para := range paragraphs {
		if c.tok.Count(para) <= c.maxTokens {
			p.add(unit{text: para, sep: paragraphSep})
			continue
		}
		// 段落超限：按句子打包
		for i, sentence := range SplitSentences(para) {
			sep := sentenceSep
			if i == 0 {
				sep = paragraphSep
			}
			if c.tok.Count(sentence) <= c.maxTokens {
				p.add(unit{text: sentence, sep: sep})
				continue
			}
			// 单句超限：按 token 硬切
			for j, piece := range c.tok.Split(sentence, c.maxTokens) {
				if j > 0 {
					sep = sentenceSep
				}
				p.add(unit{text: piece, sep: sep})
			}
		}
	}
	p.flush()

	segments := c.mergeTail(p.out)
	chunks := make([]model.Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = model.Chunk{
			Text:       seg.text,
			Index:      uint32(i),
			TokenCount: uint32(seg.tokens),
			Metadata: model.ChunkMetadata{
				EnrichedMetadata: meta,
				ChunkIndex:       i,
				TotalChunks:      len(segments),
			},
		}
	}
	return chunks
}

type unit struct {
	text string
	sep  string // 与前一个单元之间的分隔符
}

type segment struct {
	text   string
	tokens int
	seed   string // 从上一个分块继承的重叠前缀
}

type packer struct {
	c       *Chunker
	buf     []unit
	seedLen int
	out     []segment
}

func joinUnits(units []unit) string {
	var b strings.Builder
	for i, u := range units {
		if i > 0 {
			b.WriteString(u.sep)
		}
		b.WriteString(u.text)
	}
	return b.String()
}

func (p *packer) fits(u unit) bool {
	candidate := append(p.buf[:len(p.buf):len(p.buf)], u)
	return p.c.tok.Count(joinUnits(candidate)) <= p.c.maxTokens
}

func (p *packer) add(u unit) {
	if p.fits(u) {
		p.buf = append(p.buf, u)
		return
	}
	p.flush()
	if !p.fits(u) {
		// 重叠种子与新单元放不下时丢弃种子
		p.buf, p.seedLen = nil, 0
	}
	p.buf = append(p.buf, u)
}

// flush 输出当前缓冲，并以其尾部作为下一个分块的重叠种子。
func (p *packer) flush() {
	if len(p.buf) <= p.seedLen {
		return
	}
	text := joinUnits(p.buf)
	seg := segment{text: text, tokens: p.c.tok.Count(text)}
	if p.seedLen > 0 {
		seg.seed = joinUnits(p.buf[:p.seedLen])
	}
	p.out = append(p.out, seg)

	p.buf, p.seedLen = nil, 0
	if seed := p.c.overlapSeed(text); seed != "" {
		p.buf = []unit{{text: seed}}
		p.seedLen = 1
	}
}

// overlapSeed 取分块尾部作为重叠：最后一段不超过预算时取整段，否则取尾部若干句。
func (c *Chunker) overlapSeed(chunkText string) string {
	if c.overlapTokens <= 0 {
		return ""
	}
	last := chunkText
	if i := strings.LastIndex(chunkText, paragraphSep); i >= 0 {
		last = chunkText[i+len(paragraphSep):]
	}
	last = strings.TrimSpace(last)
	if last == "" {
		return ""
	}
	if c.tok.Count(last) <= c.overlapTokens {
		return last
	}

	sentences := SplitSentences(last)
	total, start := 0, len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		n := c.tok.Count(sentences[i])
		if total+n > c.overlapTokens {
			break
		}
		total += n
		start = i
	}
	return strings.Join(sentences[start:], sentenceSep)
}

// mergeTail 处理低于 min_chunk_tokens 的末尾分块：能在上限内并入前一块则合并，
// 否则从前一块尾部向前借句子补足，保证 token 上限不被突破。
func (c *Chunker) mergeTail(segs []segment) []segment {
	n := len(segs)
	if n < 2 || segs[n-1].tokens >= c.minChunkTokens {
		return segs
	}
	prev, last := segs[n-2], segs[n-1]
	body := strings.TrimLeft(strings.TrimPrefix(last.text, last.seed), " \n")
	if body == "" {
		return segs[:n-1]
	}

	merged := prev.text + paragraphSep + body
	if tokens := c.tok.Count(merged); tokens <= c.maxTokens {
		out := append(segs[:n-2:n-2], segment{text: merged, tokens: tokens, seed: prev.seed})
		return out
	}

	sentences := SplitSentences(prev.text)
	total, start := c.tok.Count(body), len(sentences)
	for i := len(sentences) - 1; i >= 0 && total < c.minChunkTokens; i-- {
		k := c.tok.Count(sentences[i])
		if total+k > c.maxTokens {
			break
		}
		total += k
		start = i
	}
	if start == len(sentences) {
		return segs
	}
	seed := strings.Join(sentences[start:], sentenceSep)
	text := seed + paragraphSep + body
	segs[n-1] = segment{text: text, tokens: c.tok.Count(text), seed: seed}
	return segs
}

// Normalize 统一换行，压缩行内空白，并把连续空行折叠为一个段落分隔。
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
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

// Paragraphs 按空行切分段落。
func Paragraphs(normalized string) []string {
	if normalized == "" {
		return nil
	}
	raw := strings.Split(normalized, paragraphSep)
	paras := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// SplitSentences 在句末标点处切分句子，标点保留在句尾。
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isSentenceEnd(r) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isSentenceEnd(runes[j]) || isClosingQuote(runes[j])) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) && !isCJKStop(r) {
			// 小数点、缩写等，不是句子边界
			i = j - 1
			continue
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			sentences = append(sentences, s)
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isCJKStop(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func isClosingQuote(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '」':
		return true
	}
	return false
}
