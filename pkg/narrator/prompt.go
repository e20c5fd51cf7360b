package narrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"sommelier/pkg/proto"
)

const systemPrompt = "You are a friendly sommelier. In two or three sentences, explain why the " +
	"recommended wine suits the meal. Mention the alternatives briefly if any are given. " +
	"Do not invent prices or producers."

// TokenCounter counts prompt tokens with the cl100k encoding, which is close enough for
// every supported provider.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a counter. If the codec cannot be loaded it estimates four
// characters per token.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Prompt is a built user prompt.
type Prompt struct {
	Text    string
	Tokens  int
	Trimmed bool
}

// PromptBuilder renders requests into prompts no larger than maxTokens.
type PromptBuilder struct {
	counter   *TokenCounter
	maxTokens int
}

func NewPromptBuilder(maxTokens int) *PromptBuilder {
	return &PromptBuilder{counter: NewTokenCounter(), maxTokens: maxTokens}
}

// Build renders req, dropping detail until it fits: alternatives, then preferences, then
// the tail of the ingredient list. As a last resort the text is cut proportionally.
func (b *PromptBuilder) Build(req *Request) Prompt {
	r := *req
	text := render(&r)
	tokens := b.counter.Count(text)
	if b.maxTokens <= 0 || tokens <= b.maxTokens {
		return Prompt{Text: text, Tokens: tokens}
	}

	steps := []func() bool{
		func() bool {
			if len(r.Alternatives) == 0 {
				return false
			}
			r.Alternatives = nil
			return true
		},
		func() bool {
			if len(r.Preferences) == 0 {
				return false
			}
			r.Preferences = nil
			return true
		},
	}
	for _, step := range steps {
		if step() {
			text = render(&r)
			if tokens = b.counter.Count(text); tokens <= b.maxTokens {
				return Prompt{Text: text, Tokens: tokens, Trimmed: true}
			}
		}
	}
	for len(r.Ingredients) > 1 {
		r.Ingredients = r.Ingredients[:len(r.Ingredients)/2]
		text = render(&r)
		if tokens = b.counter.Count(text); tokens <= b.maxTokens {
			return Prompt{Text: text, Tokens: tokens, Trimmed: true}
		}
	}

	ratio := float64(b.maxTokens) / float64(tokens)
	cut := int(float64(len(text)) * ratio * 0.9)
	if cut < len(text) {
		text = strings.ToValidUTF8(text[:cut], "") + "..."
	}
	return Prompt{Text: text, Tokens: b.counter.Count(text), Trimmed: true}
}

func render(r *Request) string {
	var sb strings.Builder
	meal := r.Dish
	if meal == "" {
		meal = "a meal"
	}
	fmt.Fprintf(&sb, "Meal: %s\n", meal)
	if len(r.Ingredients) > 0 {
		fmt.Fprintf(&sb, "Ingredients: %s\n", strings.Join(r.Ingredients, ", "))
	}
	if r.Occasion != "" {
		fmt.Fprintf(&sb, "Occasion: %s\n", r.Occasion)
	}
	if len(r.Preferences) > 0 {
		keys := make([]string, 0, len(r.Preferences))
		for k := range r.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Preferences:")
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v;", k, r.Preferences[k])
		}
		sb.WriteString("\n")
	}
	if r.Primary != nil {
		fmt.Fprintf(&sb, "Recommended: %s\n", describe(r.Primary))
	} else {
		sb.WriteString("Recommended: nothing in stock within budget\n")
	}
	for i := range r.Alternatives {
		fmt.Fprintf(&sb, "Alternative: %s\n", describe(&r.Alternatives[i]))
	}
	return sb.String()
}

func describe(w *proto.WineOption) string {
	var details []string
	if w.Style != "" {
		details = append(details, w.Style)
	}
	if w.Vintage > 0 {
		details = append(details, fmt.Sprint(w.Vintage))
	}
	if w.Producer != "" {
		details = append(details, "by "+w.Producer)
	}
	out := w.Name
	if len(details) > 0 {
		out += " (" + strings.Join(details, ", ") + ")"
	}
	if w.Price > 0 {
		out += fmt.Sprintf(" at %.2f", w.Price)
	}
	return out
}
