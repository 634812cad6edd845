// Package changedetect provides the default ChangeDetector: a field-level
// diff against the last value seen for a symbol, classifying a change as
// significant when a configured numeric field moves by at least its
// threshold ratio or any configured non-numeric field changes at all.
package changedetect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/devmesh-labs/symbolcache/pkg/smartcache"
)

// FieldRule names one field the detector watches and, for numeric fields,
// the relative-change ratio that counts as significant.
type FieldRule struct {
	Field        string
	NumericRatio float64 // 0 means "any change is significant"
}

// FieldDiffDetector implements smartcache.ChangeDetector.
type FieldDiffDetector struct {
	mu    sync.Mutex
	prev  map[string]map[string]interface{}
	rules []FieldRule
}

// NewFieldDiffDetector builds a detector watching the given fields.
func NewFieldDiffDetector(rules []FieldRule) *FieldDiffDetector {
	return &FieldDiffDetector{
		prev:  make(map[string]map[string]interface{}),
		rules: rules,
	}
}

// DetectSignificantChange implements smartcache.ChangeDetector.
func (d *FieldDiffDetector) DetectSignificantChange(ctx context.Context, symbol string, newData interface{}, market string, status smartcache.MarketStatus) (smartcache.ChangeDetectionResult, error) {
	current, err := toFieldMap(newData)
	if err != nil {
		return smartcache.ChangeDetectionResult{}, fmt.Errorf("changedetect: %w", err)
	}

	d.mu.Lock()
	previous, known := d.prev[symbol]
	d.prev[symbol] = current
	d.mu.Unlock()

	if !known {
		return smartcache.ChangeDetectionResult{HasChanged: false, Confidence: 1.0, ChangeReason: "first observation"}, nil
	}

	var changed, significant []string
	for _, rule := range d.rules {
		oldV, oldOK := previous[rule.Field]
		newV, newOK := current[rule.Field]
		if !oldOK && !newOK {
			continue
		}
		if !equalValues(oldV, newV) {
			changed = append(changed, rule.Field)
			if isSignificant(rule, oldV, newV) {
				significant = append(significant, rule.Field)
			}
		}
	}

	result := smartcache.ChangeDetectionResult{
		HasChanged:         len(changed) > 0,
		ChangedFields:      changed,
		SignificantChanges: significant,
		Confidence:         1.0,
	}
	if len(significant) > 0 {
		result.ChangeReason = fmt.Sprintf("significant change in %v", significant)
	} else if len(changed) > 0 {
		result.ChangeReason = fmt.Sprintf("non-significant change in %v", changed)
	}
	return result, nil
}

func toFieldMap(data interface{}) (map[string]interface{}, error) {
	if m, ok := data.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func equalValues(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func isSignificant(rule FieldRule, oldV, newV interface{}) bool {
	if rule.NumericRatio <= 0 {
		return true
	}
	oldF, oldOK := toFloat(oldV)
	newF, newOK := toFloat(newV)
	if !oldOK || !newOK || oldF == 0 {
		return true
	}
	delta := (newF - oldF) / oldF
	if delta < 0 {
		delta = -delta
	}
	return delta >= rule.NumericRatio
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
