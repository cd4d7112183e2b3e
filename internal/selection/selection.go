// Package selection is the Selection Engine (spec §4.4, component C4): a
// contextual multi-armed bandit that, given a device, slot, and a set of
// eligible campaigns, picks a (campaign, creative) pair balancing measured
// engagement against exploration.
package selection

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/performance"
)

// randFn is the Selection Engine's uniform random source, overridable in
// tests for deterministic draws.
var randFn = rand.Float64

// pricingFactor scales a campaign's score by its billing model (spec §4.4
// step 3).
var pricingFactor = map[models.PricingModel]float64{
	models.PricingCPM:    1.0,
	models.PricingCPE:    1.1,
	models.PricingCPA:    1.2,
	models.PricingHybrid: 1.05,
}

// ucb1ConstantTrials is the fixed trial count used in the creative-pick
// exploration bonus sqrt(2*ln(100)/impressions) (spec §4.4).
const ucb1ConstantTrials = 100

// TraceStep records one stage of the Selection Engine's decision, in the
// style of the reference implementation's SelectionTrace (spec §4.4
// "reason").
type TraceStep struct {
	Stage       string         `json:"stage"`
	CampaignIDs []int          `json:"campaign_ids,omitempty"`
	CreativeIDs []int          `json:"creative_ids,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Reason is the ordered trace of steps the Selection Engine took to reach
// its pick, returned alongside the chosen campaign/creative.
type Reason struct {
	Steps []TraceStep `json:"steps"`
}

func (r *Reason) add(stage string, details map[string]any) {
	r.Steps = append(r.Steps, TraceStep{Stage: stage, Details: details})
}

// Pick is the Selection Engine's output: a chosen campaign, a chosen
// creative from it, the display duration to schedule, and the reasoning
// trace.
type Pick struct {
	Campaign models.Campaign
	Creative models.Creative
	Duration int
	Reason   Reason
}

// Engine scores eligible campaigns against Performance Store priors and
// draws a (campaign, creative) pair (spec §4.4).
type Engine struct {
	perf *performance.Store
}

// New builds a Selection Engine backed by perf.
func New(perf *performance.Store) *Engine {
	return &Engine{perf: perf}
}

type scoredCampaign struct {
	handle catalog.CampaignHandle
	score  float64
	alpha  float64
	sample float64
}

// Select implements spec §4.4: scoring, roulette campaign pick, creative
// pick (A/B test or UCB1). Returns nil with no error when eligible is empty
// or every campaign scores zero — the Scheduler then leaves the slot
// unfilled, and fallback content is served at pull time.
func (e *Engine) Select(device models.Device, slot models.SlotContext, eligible []catalog.CampaignHandle) (*Pick, error) {
	reason := Reason{}
	if len(eligible) == 0 {
		reason.add("campaign-scoring", map[string]any{"eligible_count": 0})
		return nil, nil
	}

	class, hour, _ := slot.DeviceClassContext()
	scored := make([]scoredCampaign, 0, len(eligible))
	for _, h := range eligible {
		key := models.ContextKeyFor(h.Campaign.ID, class, slot.Slot)
		counters := e.perf.Get(key)
		bucket := models.PerformanceBucket{Counters: counters}
		alpha, beta := bucket.AlphaBeta()

		// Thompson-sampling uniform-proxy approximation (documented choice,
		// see design notes): sample in [0, alpha/(alpha+beta)] rather than a
		// true Beta(alpha, beta) draw.
		sample := randFn() * (alpha / (alpha + beta))

		timeTargetFit := 0.5 + 0.5*math.Cos((float64(hour)-12)/12*math.Pi)
		pf := pricingFactor[h.Campaign.PricingModel]
		if pf == 0 {
			pf = 1.0
		}

		score := 0.6*sample + 0.2*timeTargetFit + 0.2*pf
		if h.Campaign.RemainingLifeFraction(slot.Slot) < 0.2 {
			score *= 1.5
		}

		scored = append(scored, scoredCampaign{handle: h, score: score, alpha: alpha, sample: sample})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].alpha > scored[j].alpha // tie-break: more engagements observed
	})

	reason.add("campaign-scoring", map[string]any{"candidates": len(scored)})

	chosen, total := pickWeightedCampaign(scored)
	if total == 0 {
		reason.add("campaign-pick", map[string]any{"result": "no-positive-score"})
		return nil, nil
	}
	reason.add("campaign-pick", map[string]any{
		"campaign_id": chosen.handle.Campaign.ID,
		"score":       chosen.score,
	})

	creative, creativeReason := e.pickCreative(chosen.handle, slot.Slot)
	reason.Steps = append(reason.Steps, creativeReason.Steps...)
	if creative == nil {
		return nil, nil
	}

	return &Pick{
		Campaign: chosen.handle.Campaign,
		Creative: *creative,
		Duration: creative.DisplayDuration(),
		Reason:   reason,
	}, nil
}

// pickWeightedCampaign performs the roulette draw over scored campaigns'
// scores (spec §4.4 "Campaign pick"). Returns the campaign with total=0 when
// every candidate has a non-positive score.
func pickWeightedCampaign(scored []scoredCampaign) (scoredCampaign, float64) {
	var total float64
	for _, s := range scored {
		if s.score > 0 {
			total += s.score
		}
	}
	if total <= 0 {
		return scoredCampaign{}, 0
	}

	r := randFn() * total
	var cum float64
	for _, s := range scored {
		if s.score <= 0 {
			continue
		}
		cum += s.score
		if r <= cum {
			return s, total
		}
	}
	return scored[0], total
}

// pickCreative implements spec §4.4 "Creative pick within chosen campaign":
// the active A/B test's traffic allocation when one covers slotTime,
// otherwise a UCB1-scored weighted draw over engagementRate and exploration
// bonus.
func (e *Engine) pickCreative(h catalog.CampaignHandle, slotTime time.Time) (*models.Creative, Reason) {
	reason := Reason{}

	if h.Campaign.ABTest.Covers(slotTime) {
		creative := pickByTrafficAllocation(h.Creatives, h.Campaign.ABTest.TrafficAllocation)
		if creative != nil {
			reason.add("creative-pick", map[string]any{"method": "ab_test", "creative_id": creative.ID})
			return creative, reason
		}
	}

	type scoredCreative struct {
		creative models.Creative
		score    float64
	}
	scored := make([]scoredCreative, 0, len(h.Creatives))
	for _, c := range h.Creatives {
		var explorationBonus float64
		if c.Impressions == 0 {
			explorationBonus = math.Inf(1)
		} else {
			explorationBonus = math.Sqrt(2 * math.Log(ucb1ConstantTrials) / float64(c.Impressions))
		}
		score := (0.7*c.EngagementRate() + 0.3*explorationBonus) * models.TypeMultiplier(c.Type)
		if math.IsInf(score, 1) {
			score = math.MaxFloat64 / float64(len(h.Creatives)+1)
		}
		scored = append(scored, scoredCreative{creative: c, score: score})
	}

	var total float64
	for _, s := range scored {
		total += s.score
	}
	if total <= 0 {
		reason.add("creative-pick", map[string]any{"result": "no-positive-score"})
		return nil, reason
	}

	r := randFn() * total
	var cum float64
	for _, s := range scored {
		cum += s.score
		if r <= cum {
			reason.add("creative-pick", map[string]any{"method": "ucb1", "creative_id": s.creative.ID})
			picked := s.creative
			return &picked, reason
		}
	}
	last := scored[len(scored)-1].creative
	reason.add("creative-pick", map[string]any{"method": "ucb1", "creative_id": last.ID})
	return &last, reason
}

// pickByTrafficAllocation performs a weighted draw over an A/B test's
// creativeID -> weight map, restricted to creatives actually present in the
// eligible set.
func pickByTrafficAllocation(creatives []models.Creative, allocation map[int]float64) *models.Creative {
	byID := make(map[int]models.Creative, len(creatives))
	for _, c := range creatives {
		byID[c.ID] = c
	}

	var total float64
	ids := make([]int, 0, len(allocation))
	for id, weight := range allocation {
		if _, ok := byID[id]; !ok || weight <= 0 {
			continue
		}
		ids = append(ids, id)
		total += weight
	}
	if total <= 0 {
		return nil
	}
	sort.Ints(ids) // deterministic iteration order for the cumulative draw

	r := randFn() * total
	var cum float64
	for _, id := range ids {
		cum += allocation[id]
		if r <= cum {
			c := byID[id]
			return &c
		}
	}
	c := byID[ids[len(ids)-1]]
	return &c
}
