package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentflow/types"
)

const maxCostRecords = 1000

// CostTracker keeps a capped, newest-first cost log and exposes
// filterable summaries over it.
type CostTracker struct {
	mu      sync.RWMutex
	records []types.CostRecord
	pricing *PricingTable
}

// NewCostTracker creates a tracker priced from the given table.
func NewCostTracker(pricing *PricingTable) *CostTracker {
	return &CostTracker{pricing: pricing}
}

// Record computes a request's cost from the pricing table and appends
// it to the log.
func (t *CostTracker) Record(provider, model string, usage types.Usage, ts time.Time) types.CostRecord {
	cost := t.pricing.Cost(provider, model, usage)
	rec := types.CostRecord{
		Provider: provider, Model: model,
		PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens,
		Cost: cost, Timestamp: ts,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append([]types.CostRecord{rec}, t.records...)
	if len(t.records) > maxCostRecords {
		t.records = t.records[:maxCostRecords]
	}
	return rec
}

// Filter selects cost records for a summary.
type Filter struct {
	Since    *time.Time
	Provider string
	Model    string
}

// Summary is the aggregated view returned by cost_summary.
type Summary struct {
	TotalCost        float64
	RecordCount      int
	ByProvider       map[string]float64
	ByModel          map[string]float64
	TokenUsage       types.Usage
	AvgCostPerRequest float64
	SinceTime        *time.Time
}

// Summarize aggregates the log under filter.
func (t *CostTracker) Summarize(filter Filter) Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{ByProvider: map[string]float64{}, ByModel: map[string]float64{}, SinceTime: filter.Since}

	for _, r := range t.records {
		if filter.Since != nil && r.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Provider != "" && r.Provider != filter.Provider {
			continue
		}
		if filter.Model != "" && r.Model != filter.Model {
			continue
		}

		s.TotalCost += r.Cost
		s.RecordCount++
		s.ByProvider[r.Provider] += r.Cost
		s.ByModel[r.Model] += r.Cost
		s.TokenUsage.PromptTokens += r.PromptTokens
		s.TokenUsage.CompletionTokens += r.CompletionTokens
		s.TokenUsage.TotalTokens += r.TotalTokens
	}

	if s.RecordCount > 0 {
		s.AvgCostPerRequest = s.TotalCost / float64(s.RecordCount)
	}
	return s
}

// ExportCSV renders the cost log oldest-first as CSV, costs rounded to
// 4 decimal places, per the gateway's export contract.
func (t *CostTracker) ExportCSV() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]types.CostRecord, len(t.records))
	copy(rows, t.records)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	var b strings.Builder
	b.WriteString("Timestamp,Provider,Model,Prompt Tokens,Completion Tokens,Total Tokens,Cost\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s,%s,%s,%d,%d,%d,%.4f\n",
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Provider, r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			round4(r.Cost))
	}
	return b.String()
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
