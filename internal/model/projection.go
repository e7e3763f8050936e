package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// projectionFields are the dispatch fields a read API caller may select.
var projectionFields = map[string]struct{}{
	"dispatchId":        {},
	"correlationId":     {},
	"serviceName":       {},
	"recipientClientId": {},
	"senderClientId":    {},
	"notificationType":  {},
	"contentKey":        {},
	"status":            {},
	"retryCount":        {},
	"triggersAt":        {},
	"failureReason":     {},
	"payload":           {},
	"provider":          {},
	"providerId":        {},
	"sentContent":       {},
	"createdAt":         {},
	"updatedAt":         {},
}

// ParseProjection splits a comma separated field list and rejects unknown
// fields. An empty input selects every field.
func ParseProjection(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := projectionFields[f]; !ok {
			return nil, fmt.Errorf("unknown projection field %q", f)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Project reduces dispatches to the selected fields, keyed by their JSON
// names. A nil field list keeps every field.
func Project(dispatches []*Dispatch, fields []string) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(dispatches))
	for _, d := range dispatches {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal dispatch %s: %w", d.DispatchID, err)
		}
		var full map[string]interface{}
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch %s: %w", d.DispatchID, err)
		}
		if len(fields) == 0 {
			out = append(out, full)
			continue
		}
		selected := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if v, ok := full[f]; ok {
				selected[f] = v
			}
		}
		out = append(out, selected)
	}
	return out, nil
}
