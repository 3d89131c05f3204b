package sync

import "time"

// Client payloads arrive with snake_case or camelCase keys depending on the
// client build. Each entity kind has a single explicit alias table consulted
// once at the boundary, rather than scattered fallbacks through the apply
// logic. Server field names come first; accepted client spellings follow.

var jobFieldAliases = map[string][]string{
	"id":          {"id"},
	"client_name": {"client_name", "clientName"},
	"job_type":    {"job_type", "jobType"},
	"location":    {"location"},
	"status":      {"status"},
	"notes":       {"notes"},
	"created_by":  {"created_by", "createdBy"},
	"updated_at":  {"updated_at", "updatedAt"},
}

var mitigationFieldAliases = map[string][]string{
	"id":          {"id"},
	"job_id":      {"job_id", "jobId"},
	"hazard_id":   {"hazard_id", "hazardId"},
	"title":       {"title"},
	"description": {"description"},
	"done":        {"done", "is_completed", "isCompleted"},
	"updated_at":  {"updated_at", "updatedAt"},
}

// fieldValue resolves a server field from a client payload through the alias
// table. The first present alias wins.
func fieldValue(payload map[string]interface{}, aliases map[string][]string, field string) (interface{}, bool) {
	for _, key := range aliases[field] {
		if v, ok := payload[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(payload map[string]interface{}, aliases map[string][]string, field string) (string, bool) {
	v, ok := fieldValue(payload, aliases, field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// stringPtrField distinguishes "absent" (nil, false) from "present and null"
// (nil, true) from "present" (&s, true), which partial updates depend on
func stringPtrField(payload map[string]interface{}, aliases map[string][]string, field string) (*string, bool) {
	v, ok := fieldValue(payload, aliases, field)
	if !ok {
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	if s, ok := v.(string); ok {
		return &s, true
	}
	return nil, false
}

func boolField(payload map[string]interface{}, aliases map[string][]string, field string) (bool, bool) {
	v, ok := fieldValue(payload, aliases, field)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// timeField parses an ISO-8601 timestamp from the payload. Both RFC3339 and
// the fractional-second variant are accepted.
func timeField(payload map[string]interface{}, aliases map[string][]string, field string) (time.Time, bool) {
	s, ok := stringField(payload, aliases, field)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
