package auditor

import (
	"encoding/json"
	"fmt"

	"github.com/Knetic/govaluate"

	"github.com/akili-health/akili-backend/internal/domain/session"
)

// Rule is an operator-defined violation check: a boolean expression over
// session fields that flags a violation when it evaluates to true.
//
// Example: {"name": "refund_on_live_session",
//           "expression": "paymentStatus == 'REFUNDED' && status == 'IN_PROGRESS'"}
type Rule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// ViolationRule is the violation type reported for expression rules.
const ViolationRule session.ViolationType = "RULE"

// ParseRules decodes a JSON rule list and validates each expression compiles.
func ParseRules(raw string) ([]Rule, error) {
	if raw == "" {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("parse audit rules: %w", err)
	}
	for _, r := range rules {
		if r.Name == "" || r.Expression == "" {
			return nil, fmt.Errorf("audit rule needs both name and expression")
		}
		if _, err := govaluate.NewEvaluableExpression(r.Expression); err != nil {
			return nil, fmt.Errorf("audit rule %q: %w", r.Name, err)
		}
	}
	return rules, nil
}

func (s *Service) evaluateRules(sess *session.Session) []session.Violation {
	if len(s.rules) == 0 {
		return nil
	}
	params := ruleParams(sess)
	var out []session.Violation
	for _, r := range s.rules {
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			s.logger.Warn().Err(err).Str("rule", r.Name).Msg("skipping unparsable audit rule")
			continue
		}
		result, err := expr.Evaluate(params)
		if err != nil {
			s.logger.Warn().Err(err).Str("rule", r.Name).Msg("audit rule evaluation failed")
			continue
		}
		matched, ok := result.(bool)
		if !ok {
			s.logger.Warn().Str("rule", r.Name).Msg("audit rule did not evaluate to boolean")
			continue
		}
		if matched {
			out = append(out, session.Violation{
				SessionID: sess.SessionID.String(),
				Type:      ViolationRule,
				Details:   fmt.Sprintf("rule %q matched", r.Name),
			})
		}
	}
	return out
}

func ruleParams(sess *session.Session) map[string]interface{} {
	params := map[string]interface{}{
		"status":           string(sess.Status),
		"paymentStatus":    string(sess.PaymentStatus),
		"hasCorrelation":   sess.GatewayCorrelation != nil,
		"hasPaymentResult": sess.PaymentResult != nil,
		"attemptCount":     len(sess.PaymentAttempts),
		"callStarted":      sess.VideoCall.StartedAt != nil,
		"callEnded":        sess.VideoCall.EndedAt != nil,
		"durationMinutes":  sess.VideoCall.DurationMinutes,
		"price":            sess.Price.InexactFloat64(),
		"version":          sess.Version,
	}
	if sess.PaymentResult != nil {
		params["resultCode"] = sess.PaymentResult.ResultCode
		params["paidAmount"] = sess.PaymentResult.Amount.InexactFloat64()
	}
	return params
}
