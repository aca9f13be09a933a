// Package route implements the routing evaluator (component H): a
// versioned ruleset of priority-ordered rules over a closed operator set,
// a fallback, and incident overrides applied after rule evaluation.
// Grounded in the teacher's internal/coordination protocol engine (priority-
// ordered matching against an event-type registry, see DESIGN.md) but
// rewritten against the spec's closed when/then operator set rather than
// the teacher's hospital/social-event domain.
package route

import (
	"encoding/json"
	"sort"

	"github.com/attendite/ieim/internal/ieimerrors"
)

// Condition is one node of a rule's "when" expression: either a leaf
// operator (exactly one of the XxxIn/XxxAny fields set) or a Boolean
// combinator (Any/All) over sub-conditions.
type Condition struct {
	RiskFlagsAny      []string    `json:"risk_flags_any,omitempty"`
	RiskFlagsNotAny   []string    `json:"risk_flags_not_any,omitempty"`
	PrimaryIntentIn   []string    `json:"primary_intent_in,omitempty"`
	PrimaryIntentNotIn []string   `json:"primary_intent_not_in,omitempty"`
	IdentityStatusIn  []string    `json:"identity_status_in,omitempty"`
	ProductLineIn     []string    `json:"product_line_in,omitempty"`
	Any               []Condition `json:"any,omitempty"`
	All               []Condition `json:"all,omitempty"`
}

// Then is the outcome a matching rule (or the fallback) produces.
type Then struct {
	QueueID          string   `json:"queue_id"`
	SLAID            string   `json:"sla_id"`
	Priority         int      `json:"priority"`
	Actions          []string `json:"actions"`
	FailClosed       bool     `json:"fail_closed"`
	FailClosedReason string   `json:"fail_closed_reason,omitempty"`
}

// Rule is one priority-ordered entry in the ruleset.
type Rule struct {
	RuleID   string    `json:"rule_id"`
	Priority int       `json:"priority"`
	When     Condition `json:"when"`
	Then     Then      `json:"then"`
}

// Ruleset is the versioned, loaded routing configuration (§4.H).
type Ruleset struct {
	RulesetVersion string `json:"ruleset_version"`
	Rules          []Rule `json:"rules"`
	Fallback       Then   `json:"fallback"`
}

// LoadRuleset parses and validates ruleset JSON, failing closed
// (RULES_INVALID) on any structural problem including unknown "when" keys.
func LoadRuleset(data []byte) (*Ruleset, error) {
	var rawTop struct {
		Rules []struct {
			When json.RawMessage `json:"when"`
		} `json:"rules"`
	}
	if err := json.Unmarshal(data, &rawTop); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindRulesInvalid, "route: parse ruleset JSON", err)
	}
	for _, rule := range rawTop.Rules {
		if err := validateConditionKeys(rule.When); err != nil {
			return nil, err
		}
	}

	var rs Ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindRulesInvalid, "route: decode ruleset", err)
	}
	if rs.RulesetVersion == "" {
		return nil, ieimerrors.New(ieimerrors.KindRulesInvalid, "route: ruleset_version is required")
	}
	if rs.Fallback.QueueID == "" || rs.Fallback.SLAID == "" {
		return nil, ieimerrors.New(ieimerrors.KindRulesInvalid, "route: fallback must carry queue_id and sla_id")
	}
	return &rs, nil
}

var allowedConditionKeys = map[string]bool{
	"risk_flags_any": true, "risk_flags_not_any": true,
	"primary_intent_in": true, "primary_intent_not_in": true,
	"identity_status_in": true, "product_line_in": true,
	"any": true, "all": true,
}

// validateConditionKeys walks the raw JSON of a "when" expression (before
// decoding into Condition, which would silently drop unrecognized keys) and
// rejects anything outside the closed operator set.
func validateConditionKeys(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindRulesInvalid, "route: decode when expression", err)
	}
	for k, v := range m {
		if !allowedConditionKeys[k] {
			return ieimerrors.New(ieimerrors.KindRulesInvalid, "route: unknown when operator "+k)
		}
		if k == "any" || k == "all" {
			var subs []json.RawMessage
			if err := json.Unmarshal(v, &subs); err != nil {
				return ieimerrors.Wrap(ieimerrors.KindRulesInvalid, "route: decode "+k+" expression", err)
			}
			for _, sub := range subs {
				if err := validateConditionKeys(sub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Facts is the set of decision inputs a Condition is evaluated against.
type Facts struct {
	RiskFlags     []string
	PrimaryIntent string
	IdentityStatus string
	ProductLine   string
}

func (c Condition) matches(f Facts) bool {
	if len(c.Any) > 0 {
		for _, sub := range c.Any {
			if sub.matches(f) {
				return true
			}
		}
		return false
	}
	if len(c.All) > 0 {
		for _, sub := range c.All {
			if !sub.matches(f) {
				return false
			}
		}
		return true
	}
	if len(c.RiskFlagsAny) > 0 && !anyIn(c.RiskFlagsAny, f.RiskFlags) {
		return false
	}
	if len(c.RiskFlagsNotAny) > 0 && anyIn(c.RiskFlagsNotAny, f.RiskFlags) {
		return false
	}
	if len(c.PrimaryIntentIn) > 0 && !contains(c.PrimaryIntentIn, f.PrimaryIntent) {
		return false
	}
	if len(c.PrimaryIntentNotIn) > 0 && contains(c.PrimaryIntentNotIn, f.PrimaryIntent) {
		return false
	}
	if len(c.IdentityStatusIn) > 0 && !contains(c.IdentityStatusIn, f.IdentityStatus) {
		return false
	}
	if len(c.ProductLineIn) > 0 && !contains(c.ProductLineIn, f.ProductLine) {
		return false
	}
	return true
}

func anyIn(set, values []string) bool {
	for _, v := range values {
		if contains(set, v) {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Incident carries the runtime toggles applied after rule evaluation
// (§4.H, pack's incident.* config).
type Incident struct {
	ForceReview                 bool
	ForceReviewQueueID          string
	BlockCaseCreateRiskFlagsAny []string
}

// Evaluate runs priority-ordered rule matching (first match wins, highest
// priority first), falls back when nothing matches, and applies incident
// overrides in order. It returns the outcome plus the id of the rule that
// matched (empty when the fallback or a force-review override was used).
func Evaluate(rs *Ruleset, f Facts, incident Incident) (Then, string) {
	sorted := append([]Rule(nil), rs.Rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	result := rs.Fallback
	ruleID := ""
	for _, rule := range sorted {
		if rule.When.matches(f) {
			result = rule.Then
			ruleID = rule.RuleID
			break
		}
	}

	if incident.ForceReview {
		result = Then{
			QueueID:          incident.ForceReviewQueueID,
			SLAID:            rs.Fallback.SLAID,
			Priority:         rs.Fallback.Priority,
			Actions:          []string{"ATTACH_ORIGINAL_EMAIL"},
			FailClosed:       true,
			FailClosedReason: "INCIDENT_FORCE_REVIEW",
		}
		ruleID = ""
	}

	if len(incident.BlockCaseCreateRiskFlagsAny) > 0 && anyIn(incident.BlockCaseCreateRiskFlagsAny, f.RiskFlags) {
		result.Actions = prependBlockCaseCreate(stripCreateCase(result.Actions))
		result.FailClosed = true
		result.FailClosedReason = "INCIDENT_BLOCK_CASE_CREATE"
	}

	return result, ruleID
}

func stripCreateCase(actions []string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if a != "CREATE_CASE" {
			out = append(out, a)
		}
	}
	return out
}

func prependBlockCaseCreate(actions []string) []string {
	return append([]string{"BLOCK_CASE_CREATE"}, actions...)
}
