package controller

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// Plan is what the planner model returns: a list of operations against
// the memory and task repositories.
type Plan struct {
	Ops []Op `json:"ops"`
}

// Op is one planned operation. The planner emits loose JSON, so most
// fields are optional and validated during apply, not parse.
type Op struct {
	Op string `json:"op"`

	// Memory item ops.
	ID          string   `json:"id,omitempty"`
	SubjectType string   `json:"subject_type,omitempty"`
	SubjectID   string   `json:"subject_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Importance  *float64 `json:"importance,omitempty"`
	Source      string   `json:"source,omitempty"`

	// Fact ops (structured slots stored as tagged memory items).
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// Task ops.
	Kind            string   `json:"kind,omitempty"`
	Description     string   `json:"description,omitempty"`
	ToUserID        string   `json:"to_user_id,omitempty"`
	ReplyToUserID   string   `json:"reply_to_user_id,omitempty"`
	RoomID          string   `json:"room_id,omitempty"`
	QuestionText    string   `json:"question_text,omitempty"`
	RunAfterMinutes *float64 `json:"run_after_minutes,omitempty"`
}

// opAliases folds the op names models actually emit into the canonical set.
var opAliases = map[string]string{
	"add_memory":        "add",
	"memory_add":        "add",
	"remember":          "add",
	"update_memory":     "update",
	"memory_update":     "update",
	"delete_memory":     "delete",
	"memory_delete":     "delete",
	"forget":            "delete",
	"add_task":          "task_add",
	"task_create":       "task_add",
	"task":              "task_add",
	"slot_set":          "fact_set",
	"fact_add":          "fact_set",
	"slot_add":          "fact_set",
	"fact_add_value":    "fact_set",
	"slot_remove":       "fact_delete",
	"fact_remove":       "fact_delete",
	"fact_remove_value": "fact_delete",
}

// NormKind returns the canonical op kind.
func (o *Op) NormKind() string {
	s := strings.ToLower(strings.TrimSpace(o.Op))
	if canon, ok := opAliases[s]; ok {
		return canon
	}
	return s
}

// planSchema validates the plan envelope before ops are interpreted. The
// ops themselves stay loose: unknown fields and unknown kinds are handled
// per-op during apply, so one bad op never rejects the whole plan.
var planSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	s := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"ops"},
		Properties: map[string]*jsonschema.Schema{
			"ops": {
				Type:  "array",
				Items: &jsonschema.Schema{Type: "object"},
			},
		},
	}
	return s.Resolve(nil)
})

// extractJSONObject trims chatter around the outermost JSON object. Models
// occasionally wrap the plan in prose or code fences despite instructions.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		return raw
	}
	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first != -1 && last > first {
		return raw[first : last+1]
	}
	return raw
}

// unmarshalJSON unmarshals JSON data into v, attempting to repair malformed
// JSON. If the initial unmarshal fails with a syntax error, it tries to
// repair the JSON using jsonrepair before retrying.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, err := jsonrepair.JSONRepair(string(data))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

// ParsePlan turns raw planner output into a Plan. It tolerates chatter and
// broken JSON, but a plan that fails schema validation is rejected.
func ParsePlan(raw string) (*Plan, error) {
	obj := extractJSONObject(raw)

	var loose any
	if err := unmarshalJSON([]byte(obj), &loose); err != nil {
		return nil, fmt.Errorf("controller: parse plan: %w", err)
	}
	schema, err := planSchema()
	if err != nil {
		return nil, fmt.Errorf("controller: plan schema: %w", err)
	}
	if err := schema.Validate(loose); err != nil {
		return nil, fmt.Errorf("controller: invalid plan: %w", err)
	}

	var plan Plan
	if err := unmarshalJSON([]byte(obj), &plan); err != nil {
		return nil, fmt.Errorf("controller: decode plan: %w", err)
	}
	return &plan, nil
}
