package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DuplicateGroup is a set of results sharing the same recognized total.
// Groups are recomputed on every request and never stored.
type DuplicateGroup struct {
	Key                  string          `json:"key"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	RecognitionResultIds []int           `json:"recognition_result_ids"`
}

type DuplicateOptions struct {
	// StrictDates additionally requires a member's transaction date to be within
	// one calendar day of another member's date.
	StrictDates bool
}

// DetectDuplicateGroups groups current results by exact total amount, mapped or not.
// Results without a total never take part. Groups keep first-seen order.
func DetectDuplicateGroups(results []*RecognitionResult, opts DuplicateOptions) []DuplicateGroup {
	byKey := map[string]*DuplicateGroup{}
	members := map[string][]*RecognitionResult{}
	var order []string

	for _, r := range results {
		if r == nil || r.TotalAmount == nil || !r.IsCurrent() {
			continue
		}
		// normalize 30000 and 30000.00 to the same key
		key := r.TotalAmount.String()
		if _, ok := byKey[key]; !ok {
			byKey[key] = &DuplicateGroup{Key: key, TotalAmount: *r.TotalAmount}
			order = append(order, key)
		}
		members[key] = append(members[key], r)
	}

	groups := make([]DuplicateGroup, 0, len(order))
	for _, key := range order {
		candidates := members[key]
		if len(candidates) < 2 {
			continue
		}
		group := byKey[key]
		for i, r := range candidates {
			if opts.StrictDates && !hasNearbyDate(r, candidates, i) {
				continue
			}
			group.RecognitionResultIds = append(group.RecognitionResultIds, r.ID)
		}
		if len(group.RecognitionResultIds) < 2 {
			continue
		}
		sort.Ints(group.RecognitionResultIds)
		groups = append(groups, *group)
	}
	return groups
}

// DetectDuplicates flattens the groups into the set of flagged result ids.
func DetectDuplicates(results []*RecognitionResult, opts DuplicateOptions) map[int]bool {
	flagged := map[int]bool{}
	for _, group := range DetectDuplicateGroups(results, opts) {
		for _, id := range group.RecognitionResultIds {
			flagged[id] = true
		}
	}
	return flagged
}

func hasNearbyDate(r *RecognitionResult, group []*RecognitionResult, self int) bool {
	if r.TransactionDate == nil {
		return false
	}
	day := dateOnly(*r.TransactionDate)
	for i, other := range group {
		if i == self || other.TransactionDate == nil {
			continue
		}
		diff := dateOnly(*other.TransactionDate).Sub(day)
		if diff < 0 {
			diff = -diff
		}
		if diff <= 24*time.Hour {
			return true
		}
	}
	return false
}
