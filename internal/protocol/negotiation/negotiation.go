// Package negotiation computes the algorithm suite for a conversation
// from the participants' published capability sets. The outcome is
// deterministic: same inputs, same suite, regardless of message arrival
// order.
package negotiation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"keymesh/internal/cryptographic/suite"
	"keymesh/internal/model"
	"keymesh/internal/utils/log"
)

var (
	ErrNegotiationFailed = errors.New("algorithm negotiation failed")
	ErrSuiteSealed       = errors.New("negotiated suite is sealed")

	// ErrNegotiationTimeout is a negotiation failure, so callers matching
	// ErrNegotiationFailed catch it too.
	ErrNegotiationTimeout = fmt.Errorf("%w: participants did not all acknowledge", ErrNegotiationFailed)
)

type Options struct {
	// AllowFallback lets a mandatory category fall back to the protocol
	// baseline when the advertised sets have no common member.
	AllowFallback bool
}

// known filters a capability list down to registry members. Unknown
// tokens are logged and ignored, never accepted by accident.
func known(cat suite.Category, list []model.Algorithm) []model.Algorithm {
	out := make([]model.Algorithm, 0, len(list))
	for _, alg := range list {
		if !suite.Known(cat, alg) {
			log.Debug("ignoring unknown algorithm token",
				zap.String("category", string(cat)),
				zap.String("token", string(alg)))
			continue
		}
		out = append(out, alg)
	}
	return out
}

func supports(list []model.Algorithm, alg model.Algorithm) bool {
	for _, a := range list {
		if a == alg {
			return true
		}
	}
	return false
}

// Negotiate picks one winner per category: the first token in the
// initiator's preference order that every participant supports. Optional
// categories are dropped unless everyone advertises a common member.
// Mandatory categories with an empty intersection fall back to the
// baseline when allowed, otherwise the negotiation fails.
func Negotiate(conversation string, initiator model.CapabilitySet, others []model.CapabilitySet, opts Options) (model.NegotiatedSuite, error) {
	ns := model.NegotiatedSuite{Conversation: conversation, Version: 1}

	for _, cat := range suite.Categories() {
		prefs := known(cat, suite.List(initiator, cat))

		var winner model.Algorithm
		for _, cand := range prefs {
			everyone := true
			for _, cs := range others {
				if !supports(known(cat, suite.List(cs, cat)), cand) {
					everyone = false
					break
				}
			}
			if everyone {
				winner = cand
				break
			}
		}

		if winner == "" {
			if suite.Optional(cat) {
				continue // optional slot stays empty
			}
			baseline, _ := suite.Mandatory(cat)
			if !opts.AllowFallback {
				return model.NegotiatedSuite{}, fmt.Errorf(
					"%w: no common %s and fallback disabled", ErrNegotiationFailed, cat)
			}
			winner = baseline
		}
		suite.SetChoice(&ns, cat, winner)
	}

	return ns, nil
}
