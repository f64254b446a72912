package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/openai/openai-go/shared/constant"

	"ledger-audit/internal/core"
)

// AdvisorService turns failed invariant checks into a prioritized remediation
// plan. Advisory only: it never sits on the validation or repair request path.
type AdvisorService interface {
	Advise(ctx context.Context, failed []core.CheckResult) (*RemediationPlan, error)
}

// RemediationStep is one recommended action for a failed check.
type RemediationStep struct {
	CheckID   string `json:"check_id" jsonschema_description:"The id of the failed check this step addresses"`
	Priority  int    `json:"priority" jsonschema_description:"1 = fix first. Critical failures come before warnings."`
	Action    string `json:"action" jsonschema_description:"A concrete operator action, e.g. run the invoice repair for a named document"`
	Rationale string `json:"rationale" jsonschema_description:"Why this failure matters for the books and what the action restores"`
}

// RemediationPlan is the structured advisor output.
type RemediationPlan struct {
	Overview string            `json:"overview" jsonschema_description:"Two or three sentences summarizing the ledger's state"`
	Steps    []RemediationStep `json:"steps" jsonschema_description:"Ordered remediation steps, most urgent first"`
}

type Advisor struct {
	client *openai.Client
}

func NewAdvisor(apiKey string) *Advisor {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Advisor{client: &client}
}

func (a *Advisor) Advise(ctx context.Context, failed []core.CheckResult) (*RemediationPlan, error) {
	var sb strings.Builder
	for _, f := range failed {
		data, _ := json.Marshal(f.Data)
		fmt.Fprintf(&sb, "- [%s] %s (%s): %s %s\n", f.Severity, f.Name, f.ID, f.Details, data)
	}

	prompt := fmt.Sprintf(`You are an expert accountant reviewing a double-entry ledger consistency report.
The following invariant checks failed:

%s
Propose a remediation plan. Rules:
1. Order steps by urgency: critical failures before warnings.
2. Prefer the built-in invoice repair workflow for failures tied to one document.
3. Never propose editing or deleting posted journal entries; reversals only.
4. Keep each action concrete enough for an operator to execute.`, sb.String())

	schemaJSON, err := json.Marshal(generateSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema to map: %w", err)
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(shared.ChatModelGPT4o),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: param.NewOpt(prompt),
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Type:        constant.JSONSchema("json_schema"),
					Name:        "remediation_plan",
					Strict:      param.NewOpt(true),
					Schema:      schemaMap,
					Description: param.NewOpt("A prioritized remediation plan for ledger consistency failures"),
				},
			},
		},
	}

	resp, err := a.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses error: %w", err)
	}

	content := resp.OutputText()
	if content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	var plan RemediationPlan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse remediation plan: %w", err)
	}
	return &plan, nil
}

func generateSchema() interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v RemediationPlan
	return reflector.Reflect(v)
}
