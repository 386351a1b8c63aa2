// Package report renders a session's export-eligible hypotheses into the
// three output formats the control surface's ExportOpenAPI and report
// operations promise: an OpenAPI document, a Markdown summary, and a plain
// JSON dump.
package report

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/schema"
)

// ExportEligibleThreshold is the confidence floor (§4.4) a hypothesis must
// clear to appear in any exported report, the same floor the Hypothesis
// Store uses for ConfidenceSummary.ExportEligibleCount.
const ExportEligibleThreshold = hypothesis.ExportEligibleThreshold

// FilterExportEligible returns the endpoint_schema hypotheses in hyps whose
// confidence is at least ExportEligibleThreshold.
func FilterExportEligible(hyps []*models.Hypothesis) []*models.Hypothesis {
	var out []*models.Hypothesis
	for _, h := range hyps {
		if h.Kind == models.KindEndpointSchema && h.Confidence >= ExportEligibleThreshold {
			out = append(out, h)
		}
	}
	return out
}

// BuildOpenAPI assembles an OpenAPI 3.0 document describing targetURL's
// inferred endpoints from hyps, one path item per (pattern, method),
// grouping methods that share a pattern onto the same path item.
func BuildOpenAPI(targetURL string, hyps []*models.Hypothesis) *openapi3.T {
	host := targetURL
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		host = u.Host
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       fmt.Sprintf("Reverse-engineered API: %s", host),
			Description: "Generated from observed traffic by the scientific loop engine. Endpoints below cleared the export-confidence threshold.",
			Version:     "0.1.0",
		},
		Servers: openapi3.Servers{{URL: targetURL}},
		Paths:   openapi3.NewPaths(),
	}

	byPattern := make(map[string]*openapi3.PathItem)
	eligible := FilterExportEligible(hyps)
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].EndpointPattern < eligible[j].EndpointPattern })

	for _, h := range eligible {
		item, ok := byPattern[h.EndpointPattern]
		if !ok {
			item = &openapi3.PathItem{}
			byPattern[h.EndpointPattern] = item
			doc.Paths.Set(h.EndpointPattern, item)
		}
		op := buildOperation(h)
		item.SetOperation(strings.ToUpper(h.Method), op)
	}

	return doc
}

func buildOperation(h *models.Hypothesis) *openapi3.Operation {
	op := &openapi3.Operation{
		OperationID: h.ID,
		Summary:     h.Description,
		Tags:        []string{string(h.Kind)},
		Responses:   openapi3.NewResponses(),
	}

	resp := openapi3.NewResponse().WithDescription(fmt.Sprintf("observed response (confidence %.2f)", h.Confidence))
	if respSchema := schema.FromMap(h.ResponseSchema); respSchema != nil {
		resp = resp.WithJSONSchema(toOpenAPISchema(respSchema))
	}
	op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})

	if reqSchema := schema.FromMap(h.RequestSchema); reqSchema != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithJSONSchema(toOpenAPISchema(reqSchema)),
		}
	}

	return op
}

// toOpenAPISchema converts the engine's internal Schema representation
// (internal/schema) into a kin-openapi Schema node.
func toOpenAPISchema(s *schema.Schema) *openapi3.Schema {
	if s == nil {
		return openapi3.NewSchema()
	}

	out := openapi3.NewSchema()
	if s.Type != "" && s.Type != "null" {
		out.Type = &openapi3.Types{s.Type}
	}
	out.Format = s.Format
	out.Nullable = s.Nullable || s.Type == "null"
	out.Required = append([]string(nil), s.Required...)

	if len(s.Properties) > 0 {
		out.Properties = make(openapi3.Schemas, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = &openapi3.SchemaRef{Value: toOpenAPISchema(prop)}
		}
	}

	if s.Items != nil {
		out.Items = &openapi3.SchemaRef{Value: toOpenAPISchema(s.Items)}
	}

	for _, branch := range s.AnyOf {
		out.AnyOf = append(out.AnyOf, &openapi3.SchemaRef{Value: toOpenAPISchema(branch)})
	}

	return out
}
