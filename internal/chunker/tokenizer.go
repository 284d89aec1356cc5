package chunker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer 统计并切分 token。
type Tokenizer interface {
	Count(text string) int
	// Split 把 text 切成若干段，每段不超过 n 个 token。
	Split(text string, n int) []string
}

// WordTokenizer 以空白分隔的词近似 token，结果确定且无需联网。
type WordTokenizer struct{}

func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (WordTokenizer) Split(text string, n int) []string {
	words := strings.Fields(text)
	if n <= 0 || len(words) == 0 {
		return nil
	}
	parts := make([]string, 0, len(words)/n+1)
	for start := 0; start < len(words); start += n {
		end := min(start+n, len(words))
		parts = append(parts, strings.Join(words[start:end], " "))
	}
	return parts
}

// TiktokenTokenizer 使用 BPE 编码统计 token，与 OpenAI 系列模型的计数一致。
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer 按编码名加载分词器，例如 cl100k_base。
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("加载 tiktoken 编码 %s 失败: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) Split(text string, n int) []string {
	tokens := t.enc.Encode(text, nil, nil)
	if n <= 0 || len(tokens) == 0 {
		return nil
	}
	parts := make([]string, 0, len(tokens)/n+1)
	for start := 0; start < len(tokens); start += n {
		end := min(start+n, len(tokens))
		if part := strings.TrimSpace(t.enc.Decode(tokens[start:end])); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// NewTokenizer 根据配置名返回分词器，未知名称退回 WordTokenizer。
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "tiktoken":
		return NewTiktokenTokenizer("cl100k_base")
	default:
		return WordTokenizer{}, nil
	}
}
