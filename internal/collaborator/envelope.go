package collaborator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/andreypedro/wa-agent-api/internal/workflow"
)

// dataSeparator splits the user-facing reply from the structured JSON
// payload in the model's output.
const dataSeparator = "---DATA---"

type envelopePayload struct {
	Extracted map[string]any `json:"extracted"`
	Intent    string         `json:"intent"`
	// Confident is a pointer so an omitted flag reads as confident; only
	// an explicit false marks the extraction as a guess.
	Confident *bool `json:"confident"`
}

// parseEnvelope splits a raw model response into reply text and
// structured extraction. A missing or malformed data section degrades
// gracefully: the reply is kept, the extraction is empty and the result
// is marked not confident.
func parseEnvelope(raw string) *Extraction {
	ex := &Extraction{
		Reply:  strings.TrimSpace(raw),
		Fields: map[string]string{},
		Intent: workflow.IntentStay,
	}

	message, data, found := strings.Cut(raw, dataSeparator)
	if !found {
		return ex
	}
	ex.Reply = strings.TrimSpace(message)

	// Models wrap the payload in markdown fences often enough that the
	// fences are stripped rather than rejected.
	jsonText := strings.TrimSpace(data)
	jsonText = strings.ReplaceAll(jsonText, "```json", "")
	jsonText = strings.ReplaceAll(jsonText, "```", "")
	jsonText = strings.TrimSpace(jsonText)
	if jsonText == "" {
		return ex
	}

	var payload envelopePayload
	if err := json.Unmarshal([]byte(jsonText), &payload); err != nil {
		return ex
	}
	ex.Structured = true
	ex.Confident = payload.Confident == nil || *payload.Confident

	for name, value := range payload.Extracted {
		if s := coerceValue(value); s != "" {
			ex.Fields[name] = s
		}
	}

	switch workflow.Intent(payload.Intent) {
	case workflow.IntentAdvance, workflow.IntentApprove, workflow.IntentChange:
		ex.Intent = workflow.Intent(payload.Intent)
	}

	return ex
}

// coerceValue flattens a decoded JSON value into the string form the
// workflow's field normalization expects.
func coerceValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		var parts []string
		for _, item := range v {
			if s := coerceValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
