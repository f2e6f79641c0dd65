package processors

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"videoQA/core"
	"videoQA/tracing"
)

// EmptyResponse is returned when there is nothing to answer from.
const EmptyResponse = "Empty Response"

// LLM completes a prompt, optionally looking at images (URLs or data URIs).
type LLM interface {
	Complete(ctx context.Context, prompt string, images []string) (string, error)
}

// OpenAILLM talks to an OpenAI-compatible chat endpoint, such as Ollama's
// /v1 API serving a vision model.
type OpenAILLM struct {
	cli       *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

func NewOpenAILLM(cli *openai.Client, model string, maxTokens int, timeout time.Duration) *OpenAILLM {
	return &OpenAILLM{cli: cli, model: model, maxTokens: maxTokens, timeout: timeout}
}

func (l *OpenAILLM) Complete(ctx context.Context, prompt string, images []string) (_ string, err error) {
	ctx, span := tracing.Start(ctx, "llm.Complete")
	defer func() { tracing.End(span, err) }()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(images) == 0 {
		msg.Content = prompt
	} else {
		msg.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
		for _, img := range images {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img, Detail: openai.ImageURLDetailAuto},
			})
		}
	}

	resp, err := l.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     l.model,
		Messages:  []openai.ChatCompletionMessage{msg},
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		return "", core.WrapError(err, core.KindUpstream, "LLM completion failed")
	}
	if len(resp.Choices) == 0 {
		return "", core.NewError(core.KindUpstream, "LLM returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

const qaTemplate = `Context information is below.
---------------------
%s
---------------------
Given the context information and not prior knowledge, answer the query.
Query: %s
Answer: `

const refineTemplate = `The original query is as follows: %s
We have provided an existing answer: %s
We have the opportunity to refine the existing answer (only if needed) with some more context below.
------------
%s
------------
Given the new context, refine the original answer to better answer the query. If the context isn't useful, return the original answer.
Refined Answer: `

// CompactSynthesizer packs retrieved contexts into as few prompts as fit the
// context window. The first prompt answers and each later one refines.
type CompactSynthesizer struct {
	LLM           LLM
	Counter       TokenCounter
	ContextWindow int
	MaxNewTokens  int
}

func NewCompactSynthesizer(llm LLM, counter TokenCounter, contextWindow, maxNewTokens int) *CompactSynthesizer {
	if counter == nil {
		counter = WordCounter{}
	}
	return &CompactSynthesizer{LLM: llm, Counter: counter, ContextWindow: contextWindow, MaxNewTokens: maxNewTokens}
}

func (s *CompactSynthesizer) Synthesize(ctx context.Context, query string, contexts, images []string) (string, error) {
	if len(contexts) == 0 && len(images) == 0 {
		return EmptyResponse, nil
	}
	packs := s.pack(query, contexts)
	if len(packs) == 0 {
		packs = []string{""}
	}

	answer, err := s.LLM.Complete(ctx, fmt.Sprintf(qaTemplate, packs[0], query), images)
	if err != nil {
		return "", err
	}
	for _, p := range packs[1:] {
		refined, err := s.LLM.Complete(ctx, fmt.Sprintf(refineTemplate, query, answer, p), images)
		if err != nil {
			return "", err
		}
		if refined != "" {
			answer = refined
		}
	}
	if answer == "" {
		return EmptyResponse, nil
	}
	return answer, nil
}

// pack greedily joins contexts while each pack stays within the prompt
// budget. Contexts larger than the budget are split on word boundaries.
func (s *CompactSynthesizer) pack(query string, contexts []string) []string {
	overhead := s.Counter.Count(fmt.Sprintf(refineTemplate, query, "", ""))
	budget := s.ContextWindow - s.MaxNewTokens - overhead
	if budget < 32 {
		budget = 32
	}
	splitter := &HierarchicalChunker{Counter: s.Counter}

	var packs []string
	var cur []string
	used := 0
	flush := func() {
		if len(cur) > 0 {
			packs = append(packs, strings.Join(cur, "\n\n"))
			cur, used = nil, 0
		}
	}
	for _, c := range contexts {
		for _, piece := range splitter.split(c, budget) {
			n := s.Counter.Count(piece)
			if used > 0 && used+n > budget {
				flush()
			}
			cur = append(cur, piece)
			used += n
		}
	}
	flush()
	return packs
}
