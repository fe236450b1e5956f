package models

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	categoryPoints     = 50
	descriptionPoints  = 30
	amountPoints       = 20
	minSuggestedPoints = 30

	NoMatchReason = "no match found"
)

var amountTolerance = decimal.NewFromInt(1000)

type Suggestion struct {
	RecognitionResultId int      `json:"recognition_result_id"`
	ItemId              *int     `json:"item_id"`
	Score               float64  `json:"score"`
	Reason              string   `json:"reason"`
	Matched             []string `json:"matched,omitempty"`
	Duplicate           bool     `json:"duplicate"`

	points int
}

// ScoreCard is the outcome of scoring one result against one item. Points are
// whole percent so ties and the threshold compare exactly.
type ScoreCard struct {
	Points  int
	Factors []string
}

type SuggestionScorer interface {
	Score(r *RecognitionResult, item *SettlementLineItem) ScoreCard
}

// DefaultScorer matches the merchant name against the item's category and
// description, and the recognized total against the item's actual amount.
type DefaultScorer struct{}

func (DefaultScorer) Score(r *RecognitionResult, item *SettlementLineItem) ScoreCard {
	var card ScoreCard
	merchant := r.Merchant()
	if mutuallyContains(merchant, item.Category) {
		card.Points += categoryPoints
		card.Factors = append(card.Factors, "category")
	}
	if mutuallyContains(merchant, item.Description) {
		card.Points += descriptionPoints
		card.Factors = append(card.Factors, "description")
	}
	if r.TotalAmount != nil && r.TotalAmount.Sub(item.ActualAmount).Abs().LessThan(amountTolerance) {
		card.Points += amountPoints
		card.Factors = append(card.Factors, "amount")
	}
	return card
}

// mutuallyContains reports whether either string contains the other, ignoring
// case. Merchant names are also compared word by word, so "식사 식당" matches
// the category "식사비". Empty strings never match.
func mutuallyContains(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	for _, ta := range tokens(a) {
		for _, tb := range tokens(b) {
			if strings.Contains(ta, tb) || strings.Contains(tb, ta) {
				return true
			}
		}
	}
	return false
}

// tokens splits on whitespace and drops single-rune words, which match too much.
func tokens(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if utf8.RuneCountInString(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

type SuggestionEngine struct {
	scorer SuggestionScorer
}

func NewSuggestionEngine(scorer SuggestionScorer) *SuggestionEngine {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	return &SuggestionEngine{scorer: scorer}
}

// Suggest proposes the best line item for every completed, current, unmapped
// result. Ties go to the item seen first; output is ordered by score, highest first.
func (e *SuggestionEngine) Suggest(results []*RecognitionResult, items []*SettlementLineItem, duplicates map[int]bool) []Suggestion {
	suggestions := make([]Suggestion, 0, len(results))
	for _, r := range results {
		if r == nil || r.Status != RecognitionStatusCompleted || !r.IsCurrent() || r.Mapping != nil {
			continue
		}
		best := -1
		var bestCard ScoreCard
		for i, item := range items {
			card := e.scorer.Score(r, item)
			if card.Points > bestCard.Points {
				best, bestCard = i, card
			}
		}

		// near misses keep their best score
		s := Suggestion{
			RecognitionResultId: r.ID,
			Duplicate:           duplicates[r.ID],
			Score:               float64(bestCard.Points) / 100,
			points:              bestCard.Points,
		}
		if best < 0 || bestCard.Points <= minSuggestedPoints {
			s.Reason = NoMatchReason
		} else {
			itemId := items[best].ID
			s.ItemId = &itemId
			s.Matched = bestCard.Factors
			s.Reason = fmt.Sprintf("%s similarity: %d%%", strings.Join(bestCard.Factors, " and "), bestCard.Points)
		}
		suggestions = append(suggestions, s)
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].points > suggestions[j].points
	})
	return suggestions
}

// Suggest runs the default scorer.
func Suggest(results []*RecognitionResult, items []*SettlementLineItem, duplicates map[int]bool) []Suggestion {
	return NewSuggestionEngine(nil).Suggest(results, items, duplicates)
}
