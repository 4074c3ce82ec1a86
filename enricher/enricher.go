// Package enricher implements the ingress/egress enrichment steps that
// run immediately before a guard check and immediately after business
// invocation: unwrapping a predecessor place's response envelope on the
// way in, and wrapping a handler's result under an operation-derived
// output key on the way out, while carrying the workflow's enrichment
// history (original token, timestamps) along for the ride.
package enricher

import (
	"strings"

	"tokenflow.evalgo.org/token"
)

// infraFields are stripped from an ingress payload once it has been
// unwrapped; workflow_start_time is deliberately not in this list, it
// is carried forward rather than dropped.
var infraFields = []string{
	"original_token",
	"service_start_time",
	"service_end_time",
	"service_processing_time_ms",
}

// Ingress extracts the clean business payload from a token as it enters
// a place: it captures the original token on first sight (invariant I4
// - never rewritten afterward), unwraps a single-key predecessor
// response envelope of the form {"<placeId>": {...}} if present, and
// strips infrastructure fields the downstream handler has no business
// seeing.
func Ingress(tok *token.Envelope) map[string]interface{} {
	if tok.OriginalToken == nil {
		tok.CaptureOriginal()
	}

	working := tok.Payload
	if len(working) == 1 {
		for _, v := range working {
			if nested, ok := v.(map[string]interface{}); ok {
				working = nested
			}
		}
	}

	clean := make(map[string]interface{}, len(working))
	for k, v := range working {
		clean[k] = v
	}
	for _, f := range infraFields {
		delete(clean, f)
	}
	return clean
}

// Egress wraps a handler's result for transmission to the next place:
// the result is nested under an operation-derived output key, alongside
// the enrichment history fields carried on tok.
func Egress(tok *token.Envelope, result map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, 6)

	if tok.OriginalToken != nil {
		out["original_token"] = tok.OriginalToken
	}
	if !tok.WorkflowStartTime.IsZero() {
		out["workflow_start_time"] = tok.WorkflowStartTime
	}
	if !tok.ServiceStartTime.IsZero() {
		out["service_start_time"] = tok.ServiceStartTime
	}
	if !tok.ServiceEndTime.IsZero() {
		out["service_end_time"] = tok.ServiceEndTime
	}
	if tok.ServiceProcessingMS != 0 {
		out["service_processing_time_ms"] = tok.ServiceProcessingMS
	}

	out[OutputKey(tok.OperationName)] = result
	return out
}

// OutputKey derives the egress wrapper key from an operation name:
//
//	process<X>Assessment -> <x>Results
//	fire<X>               -> <x>Results
//	collect<X>             -> <x>Results
//	anything else           -> results
func OutputKey(operationName string) string {
	type rule struct {
		prefix string
		suffix string
	}
	for _, r := range []rule{
		{"process", "Assessment"},
		{"fire", ""},
		{"collect", ""},
	} {
		if !strings.HasPrefix(operationName, r.prefix) {
			continue
		}
		stem := strings.TrimPrefix(operationName, r.prefix)
		if r.suffix != "" {
			if !strings.HasSuffix(stem, r.suffix) {
				continue
			}
			stem = strings.TrimSuffix(stem, r.suffix)
		}
		if stem == "" {
			return "results"
		}
		return lowerFirst(stem) + "Results"
	}
	return "results"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
