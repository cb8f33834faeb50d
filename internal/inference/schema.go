package inference

// Enrichment is the structured output the inference service returns for one
// record. ExternalID ties it back to the input record.
type Enrichment struct {
	ExternalID  string   `json:"external_id"`
	Summary     string   `json:"summary"`
	Categories  []string `json:"categories,omitempty"`
	Eligibility []string `json:"eligibility,omitempty"`
	Regions     []string `json:"regions,omitempty"`
}

// enrichmentSchema validates the model's structured output before any of it
// reaches the merger. Responses that fail validation fail the whole chunk.
const enrichmentSchema = `{
  "type": "object",
  "required": ["records"],
  "properties": {
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["external_id", "summary"],
        "properties": {
          "external_id": {"type": "string", "minLength": 1},
          "summary": {"type": "string"},
          "categories": {"type": "array", "items": {"type": "string"}},
          "eligibility": {"type": "array", "items": {"type": "string"}},
          "regions": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// enrichSystemPrompt instructs the model; it is identical for every chunk of
// a run so it carries a cache breakpoint.
const enrichSystemPrompt = `You are a grants analyst enriching funding opportunity records. For each record in the input array, produce a structured enrichment entry.

Return valid JSON matching this schema:
` + enrichmentSchema + `

Rules:
- "external_id" must echo the record's id field exactly.
- "summary" is a 1-2 sentence plain-language description of the opportunity.
- "categories" are broad program areas (e.g. "infrastructure", "public health").
- "eligibility" lists applicant types that qualify.
- "regions" lists geographic areas of applicability, empty if nationwide.
- Use empty arrays when a field cannot be determined. Never invent ids.`
