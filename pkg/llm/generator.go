// Package llm 封装文本生成后端：OpenAI 兼容接口为主，Anthropic 为备用。
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest 是一次非流式生成请求。零值参数使用后端配置的默认值。
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
}

// Usage 记录 token 用量。
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// GenerateResult 是生成结果，Backend 标明实际应答的后端。
type GenerateResult struct {
	Success bool
	Text    string
	Usage   Usage
	Backend string
}

// Generator 是文本生成后端的统一接口。
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	Name() string
}

// SynthesisError 表示生成后端不可用或返回错误，调用方应降级而不是中止请求。
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis via %s failed: %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Chain 依次尝试各个后端，第一个成功的结果被返回。
type Chain struct {
	generators []Generator
}

// NewChain 创建回退链，nil 后端会被忽略。
func NewChain(generators ...Generator) *Chain {
	c := &Chain{}
	for _, g := range generators {
		if g != nil {
			c.generators = append(c.generators, g)
		}
	}
	return c
}

// Len 返回可用后端数量。
func (c *Chain) Len() int { return len(c.generators) }

// Name 返回链上各后端名称。
func (c *Chain) Name() string {
	names := make([]string, len(c.generators))
	for i, g := range c.generators {
		names[i] = g.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Generate 按顺序调用后端，全部失败时返回汇总了每个失败原因的 SynthesisError。
func (c *Chain) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if len(c.generators) == 0 {
		return nil, &SynthesisError{Backend: "none", Err: errors.New("no generation backend configured")}
	}
	var errs []error
	for _, g := range c.generators {
		res, err := g.Generate(ctx, req)
		if err == nil && res != nil && res.Success && strings.TrimSpace(res.Text) != "" {
			if res.Backend == "" {
				res.Backend = g.Name()
			}
			return res, nil
		}
		if err == nil {
			err = errors.New("empty response")
		}
		errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &SynthesisError{Backend: c.Name(), Err: errors.Join(errs...)}
}
