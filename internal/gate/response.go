package gate

import (
	"bytes"
	"embed"
	"encoding/hex"
	"encoding/json"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/fortdesk/knoxcore/pkg/contracts"
)

//go:embed schema/knox_response.schema.json
var responseSchemaFS embed.FS

var (
	responseSchemaOnce sync.Once
	responseSchema     *contracts.CompiledSchema
	responseSchemaErr  error
)

// responseSchemaCompiled loads and self-describes the embedded Output Gate
// schema exactly once, mirroring internal/policy.loadEmbeddedSchema's
// bypass of pkg/contracts.Store for a single self-contained document.
func responseSchemaCompiled() (*contracts.CompiledSchema, error) {
	responseSchemaOnce.Do(func() {
		b, err := responseSchemaFS.ReadFile("schema/knox_response.schema.json")
		if err != nil {
			responseSchemaErr = err
			return
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			responseSchemaErr = fmt.Errorf("gate: decode response schema: %w", err)
			return
		}
		sum := sha256.Sum256(b)
		responseSchema = &contracts.CompiledSchema{
			RootPath:      "schema/knox_response.schema.json",
			HashSHA256:    hex.EncodeToString(sum[:]),
			CanonicalJSON: b,
			JSON:          m,
		}
	})
	return responseSchema, responseSchemaErr
}

// Theme is one themed section of a rendered Knox report.
type Theme struct {
	Name    string   `json:"name"`
	Bullets []string `json:"bullets"`
}

// Risk is one risk/mitigation pair.
type Risk struct {
	Risk       string `json:"risk"`
	Mitigation string `json:"mitigation"`
}

// KnoxResponse is the remote engine's reply, validated against the
// embedded closed schema before anything in it is trusted or rendered.
type KnoxResponse struct {
	TemplateID        string   `json:"template_id"`
	Language          string   `json:"language"`
	Title             string   `json:"title"`
	ExecutiveSummary  string   `json:"executive_summary"`
	Themes            []Theme  `json:"themes"`
	TimelineHighLevel []string `json:"timeline_high_level"`
	Risks             []Risk   `json:"risks"`
	OpenQuestions     []string `json:"open_questions"`
	NextSteps         []string `json:"next_steps"`
	Confidence        string   `json:"confidence"`
}

// RenderMarkdown is the code-fixed template C9 calls "deterministic
// render": structural headers are constant, only the prose inside them
// varies with the response. Never add a header here conditionally on
// response content — that is exactly the kind of template-influences-
// structure drift spec.md's §4.9 step 7 rules out.
func RenderMarkdown(r KnoxResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	b.WriteString("## Sammanfattning\n\n")
	b.WriteString(r.ExecutiveSummary)
	b.WriteString("\n\n")

	b.WriteString("## Teman\n\n")
	for _, th := range r.Themes {
		fmt.Fprintf(&b, "### %s\n\n", th.Name)
		for _, bullet := range th.Bullets {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Tidslinje\n\n")
	for _, t := range r.TimelineHighLevel {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	b.WriteString("\n")

	b.WriteString("## Risker\n\n")
	for _, rk := range r.Risks {
		fmt.Fprintf(&b, "- **%s** — %s\n", rk.Risk, rk.Mitigation)
	}
	b.WriteString("\n")

	b.WriteString("## Öppna frågor\n\n")
	for _, q := range r.OpenQuestions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	b.WriteString("\n")

	b.WriteString("## Nästa steg\n\n")
	for _, s := range r.NextSteps {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "_Confidence: %s_\n", r.Confidence)
	return b.String()
}
