package ruleengine

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// xmlCondition is one guard clause: payload[Field] <op> Value. All
// conditions within a guard are ANDed together.
type xmlCondition struct {
	Field string `xml:"field,attr"`
	Op    string `xml:"op,attr"`
	Value string `xml:"value,attr"`
}

type xmlGuard struct {
	Conditions []xmlCondition `xml:"condition"`
}

type xmlTarget struct {
	Service   string `xml:"service,attr"`
	Operation string `xml:"operation,attr"`
	Channel   string `xml:"channel,attr"`
	Port      int    `xml:"port,attr"`
}

type xmlRetry struct {
	Service   string `xml:"service,attr"`
	Operation string `xml:"operation,attr"`
}

// xmlControlNodeRules mirrors one RuleFolder.<version>/<operation>/
// <service>-ControlNodeRules.ruleml.xml file: the persistent rule-bundle
// format the reference RuleEngine compiles into a Bundle.
type xmlControlNodeRules struct {
	XMLName   xml.Name    `xml:"ControlNodeRules"`
	Service   string      `xml:"service,attr"`
	Operation string      `xml:"operation,attr"`
	Version   string      `xml:"version,attr"`
	Arity     int         `xml:"arity,attr"`
	Guard     *xmlGuard   `xml:"guard"`
	Targets   []xmlTarget `xml:"routes>target"`
	Retry     *xmlRetry   `xml:"retry"`
}

// ParseBundle compiles a RuleML-style rule file into a Bundle. The
// guard's Predicate is a pure closure over the parsed conditions; it
// does not retain any reference to the XML document.
func ParseBundle(data []byte) (*Bundle, error) {
	var doc xmlControlNodeRules
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ruleengine: parse rule file: %w", err)
	}
	if doc.Service == "" || doc.Operation == "" || doc.Version == "" {
		return nil, fmt.Errorf("ruleengine: rule file missing service/operation/version")
	}

	bundle := &Bundle{
		Version:   doc.Version,
		Service:   doc.Service,
		Operation: doc.Operation,
		Arity:     doc.Arity,
	}

	if doc.Guard != nil {
		conditions := append([]xmlCondition(nil), doc.Guard.Conditions...)
		bundle.Guard = func(payload map[string]interface{}) bool {
			for _, cond := range conditions {
				if !evalCondition(cond, payload) {
					return false
				}
			}
			return true
		}
	}

	for _, t := range doc.Targets {
		bundle.Routes = append(bundle.Routes, Target{
			Service:   t.Service,
			Operation: t.Operation,
			Channel:   t.Channel,
			Port:      t.Port,
		})
	}

	if doc.Retry != nil {
		bundle.Retry = &RetryEdge{Service: doc.Retry.Service, Operation: doc.Retry.Operation}
	}

	return bundle, nil
}

func evalCondition(cond xmlCondition, payload map[string]interface{}) bool {
	actual, present := payload[cond.Field]

	switch cond.Op {
	case "exists":
		return present
	case "not-exists":
		return !present
	}
	if !present {
		return false
	}

	actualNum, actualIsNum := toFloat(actual)
	wantNum, wantErr := strconv.ParseFloat(cond.Value, 64)

	switch cond.Op {
	case "eq":
		if actualIsNum && wantErr == nil {
			return actualNum == wantNum
		}
		return fmt.Sprintf("%v", actual) == cond.Value
	case "ne":
		if actualIsNum && wantErr == nil {
			return actualNum != wantNum
		}
		return fmt.Sprintf("%v", actual) != cond.Value
	case "gt":
		return actualIsNum && wantErr == nil && actualNum > wantNum
	case "lt":
		return actualIsNum && wantErr == nil && actualNum < wantNum
	case "gte":
		return actualIsNum && wantErr == nil && actualNum >= wantNum
	case "lte":
		return actualIsNum && wantErr == nil && actualNum <= wantNum
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
