package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Payloads are opaque to the bus. The structs below are the contract between the
// coordinator and its collaborators; field names follow the collaborator JSON convention
// so that replies built from plain maps decode the same way as typed replies.

// ErrInvalidPayload is returned by DecodePayload when a payload cannot be converted.
var ErrInvalidPayload = errors.New("invalid payload")

// DecodePayload converts payload into T. Typed values and pointers are returned directly;
// anything else is round-tripped through JSON, which covers map[string]any replies.
func DecodePayload[T any](payload any) (T, error) {
	var zero T
	switch v := payload.(type) {
	case nil:
		return zero, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	case T:
		return v, nil
	case *T:
		if v == nil {
			return zero, fmt.Errorf("%w: nil pointer payload", ErrInvalidPayload)
		}
		return *v, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: failed to marshal %T: %w", ErrInvalidPayload, payload, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("%w: failed to decode into %T: %w", ErrInvalidPayload, out, err)
	}
	return out, nil
}

// Preferences are free-form user taste settings (sweetness, body, colour, ...).
type Preferences map[string]any

// String returns the preference as a string, or "" when absent or not a string.
func (p Preferences) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// RecommendationRequest is the end-user input to one orchestration run.
type RecommendationRequest struct {
	Ingredients []string    `json:"ingredients"`
	Dish        string      `json:"dish,omitempty"`
	Budget      float64     `json:"budget"`
	Occasion    string      `json:"occasion,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Preferences Preferences `json:"preferences,omitempty"`
}

// OrchestrateRequest is the payload of an orchestrate-request envelope.
type OrchestrateRequest struct {
	UserInput      RecommendationRequest `json:"userInput"`
	ConversationID string                `json:"conversationId"`
	CorrelationID  string                `json:"correlationId"`
	SourceAgent    string                `json:"sourceAgent"`
}

type ValidateInputRequest struct {
	Ingredients []string `json:"ingredients"`
	Dish        string   `json:"dish,omitempty"`
	Budget      float64  `json:"budget"`
	Occasion    string   `json:"occasion,omitempty"`
}

type ValidationReply struct {
	ValidIngredients      []string `json:"validIngredients"`
	InvalidIngredients    []string `json:"invalidIngredients,omitempty"`
	HasInvalidIngredients bool     `json:"hasInvalidIngredients"`
	Warnings              []string `json:"warnings,omitempty"`
}

type PreferencesRequest struct {
	UserID string `json:"userId"`
}

type PreferencesReply struct {
	Preferences Preferences `json:"preferences"`
}

type FallbackRequest struct {
	InvalidIngredients []string `json:"invalidIngredients"`
	ValidIngredients   []string `json:"validIngredients"`
	Reason             string   `json:"reason,omitempty"`
}

type FallbackReply struct {
	Suggestions   []string          `json:"suggestions"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
	Confidence    float64           `json:"confidence"`
}

type BudgetAdjustmentRequest struct {
	Budget      float64  `json:"budget"`
	Ingredients []string `json:"ingredients"`
	Occasion    string   `json:"occasion,omitempty"`
}

type BudgetAdjustmentReply struct {
	Strategy       string  `json:"strategy"`
	AdjustedBudget float64 `json:"adjustedBudget"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// WineRecommendation is a wine style or label proposed for the dish.
type WineRecommendation struct {
	Name      string  `json:"name"`
	Style     string  `json:"style,omitempty"`
	Varietal  string  `json:"varietal,omitempty"`
	Region    string  `json:"region,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

type wineRecommendationJSON WineRecommendation

// UnmarshalJSON accepts either a full object or a bare wine name.
func (w *WineRecommendation) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*w = WineRecommendation{Name: name}
		return nil
	}
	var aux wineRecommendationJSON
	if err := json.Unmarshal(trimmed, &aux); err != nil {
		return err
	}
	*w = WineRecommendation(aux)
	return nil
}

// WineNames returns the names of recs in order.
func WineNames(recs []WineRecommendation) []string {
	names := make([]string, 0, len(recs))
	for i := range recs {
		names = append(names, recs[i].Name)
	}
	return names
}

type RecommendationsRequest struct {
	Ingredients   []string    `json:"ingredients"`
	Preferences   Preferences `json:"preferences,omitempty"`
	Budget        float64     `json:"budget"`
	Occasion      string      `json:"occasion,omitempty"`
	Attempt       int         `json:"attempt"`
	PreviousWines []string    `json:"previousWines,omitempty"`
}

type RecommendationsReply struct {
	Wines        []WineRecommendation `json:"wines"`
	QualityScore float64              `json:"qualityScore,omitempty"`
	Reasoning    string               `json:"reasoning,omitempty"`
}

type RefineRequest struct {
	Wines        []WineRecommendation `json:"wines"`
	QualityScore float64              `json:"qualityScore"`
	Ingredients  []string             `json:"ingredients"`
	Preferences  Preferences          `json:"preferences,omitempty"`
	Feedback     string               `json:"feedback,omitempty"`
}

type EmergencyRequest struct {
	Ingredients []string `json:"ingredients"`
	Budget      float64  `json:"budget"`
	Reason      string   `json:"reason,omitempty"`
}

// WineOption is a purchasable bottle matched to a recommendation.
type WineOption struct {
	Name           string  `json:"name"`
	Producer       string  `json:"producer,omitempty"`
	Vintage        int     `json:"vintage,omitempty"`
	Price          float64 `json:"price"`
	Retailer       string  `json:"retailer,omitempty"`
	Style          string  `json:"style,omitempty"`
	OutOfStock     bool    `json:"outOfStock,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
}

// IsAvailable reports whether the option can be bought now.
func (w WineOption) IsAvailable() bool {
	return !w.OutOfStock
}

type FindWinesRequest struct {
	Wine       WineRecommendation `json:"wine"`
	Budget     float64            `json:"budget"`
	MaxResults int                `json:"maxResults"`
}

type FindWinesReply struct {
	Wines []WineOption `json:"wines"`
}

type ExpandedSearchRequest struct {
	Wines      []WineRecommendation `json:"wines"`
	Budget     float64              `json:"budget"`
	MaxResults int                  `json:"maxResults"`
}

type ExplanationRequest struct {
	Primary      *WineOption  `json:"primary,omitempty"`
	Alternatives []WineOption `json:"alternatives,omitempty"`
	Ingredients  []string     `json:"ingredients"`
	Dish         string       `json:"dish,omitempty"`
	Occasion     string       `json:"occasion,omitempty"`
	Preferences  Preferences  `json:"preferences,omitempty"`
}

type ExplanationReply struct {
	Explanation string `json:"explanation"`
}

type HistoryUpdate struct {
	UserID         string       `json:"userId"`
	ConversationID string       `json:"conversationId"`
	Ingredients    []string     `json:"ingredients"`
	Primary        *WineOption  `json:"primary,omitempty"`
	Alternatives   []WineOption `json:"alternatives,omitempty"`
	Confidence     float64      `json:"confidence"`
	Occasion       string       `json:"occasion,omitempty"`
}

// Decision is one entry of a run's decision log.
type Decision struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
	Actor     string `json:"actor"`
	Phase     string `json:"phase"`
}

// FinalRecommendation is the value returned by an orchestration run. Success is false
// only for runs aborted in the gathering or branching phases; Error then explains why.
type FinalRecommendation struct {
	Success               bool         `json:"success"`
	Primary               *WineOption  `json:"primaryRecommendation"`
	Alternatives          []WineOption `json:"alternatives"`
	Explanation           string       `json:"explanation"`
	Confidence            float64      `json:"confidence"`
	ConversationID        string       `json:"conversationId"`
	CanRefine             bool         `json:"canRefine"`
	Degraded              bool         `json:"degraded,omitempty"`
	RequiresClarification bool         `json:"requiresClarification,omitempty"`
	Suggestions           []string     `json:"suggestions,omitempty"`
	Error                 *AgentError  `json:"error,omitempty"`
	Decisions             []Decision   `json:"decisions,omitempty"`
}
