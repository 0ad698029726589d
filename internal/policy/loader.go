package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fortdesk/knoxcore/pkg/canonical"
	"github.com/fortdesk/knoxcore/pkg/contracts"
	"github.com/fortdesk/knoxcore/pkg/profiles"
)

//go:embed policies/default.yaml
var defaultPoliciesFS embed.FS

//go:embed schema/policy.schema.json
var schemaFS embed.FS

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the process-wide Set built from the embedded policy
// document, compiled and schema-validated exactly once. Mirrors
// internal/masker.Default()'s singleton shape.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		b, err := defaultPoliciesFS.ReadFile("policies/default.yaml")
		if err != nil {
			defaultErr = err
			return
		}
		defaultSet, defaultErr = LoadYAML(b)
	})
	return defaultSet, defaultErr
}

// LoadYAML parses, bundle-validates (pkg/profiles), compiles, and
// closed-schema-validates (pkg/contracts) a policy document, returning the
// two concrete policies plus the document's version and ruleset hash.
// Any operator override YAML (same shape as policies/default.yaml) can be
// loaded through this same path.
func LoadYAML(b []byte) (*Set, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}
	data, err := toJSONCompatible(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: normalize document: %w", err)
	}
	dataMap, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("policy: document root must be an object")
	}

	sum := sha256.Sum256(b)
	bundle := &profiles.Bundle{
		Env:    "core",
		Tenant: "knoxcore",
		Docs: []profiles.Document{{
			Path:     "policies/default.yaml",
			Tier:     "base",
			LoadedAt: time.Time{},
			SHA256:   hex.EncodeToString(sum[:]),
			Data:     dataMap,
		}},
		Merged:   dataMap,
		LoadedAt: time.Time{},
	}

	ctx := context.Background()

	pv := profiles.NewValidator(profiles.VOptions{})
	vrep := pv.ValidateBundle(ctx, bundle)
	if vrep.HasErrors() {
		return nil, fmt.Errorf("policy: bundle validation failed: %d error(s), first=%s", vrep.Errors, firstProfileIssue(vrep))
	}

	compiler := profiles.NewCompiler(profiles.COptions{})
	compiled, crep := compiler.CompileBundle(ctx, bundle)
	if crep.HasErrors() || compiled == nil {
		return nil, fmt.Errorf("policy: compile failed: %d error(s), first=%s", crep.Errors, firstCompileIssue(crep))
	}

	schema, err := loadEmbeddedSchema()
	if err != nil {
		return nil, fmt.Errorf("policy: load schema: %w", err)
	}
	cv := contracts.NewValidator(contracts.VOptions{})
	creport := cv.Validate(ctx, schema, compiled.Data)
	if creport.HasErrors() {
		return nil, fmt.Errorf("policy: schema validation failed: %d error(s), first=%s", creport.Errors, firstContractsViolation(creport))
	}

	internalP, err := extractPolicy(compiled.Data, canonical.PolicyInternal)
	if err != nil {
		return nil, err
	}
	externalP, err := extractPolicy(compiled.Data, canonical.PolicyExternal)
	if err != nil {
		return nil, err
	}

	version, _ := compiled.Data["version"].(string)
	return &Set{
		Version:     version,
		RulesetHash: compiled.OutputHash,
		internal:    internalP,
		external:    externalP,
	}, nil
}

func loadEmbeddedSchema() (*contracts.CompiledSchema, error) {
	b, err := schemaFS.ReadFile("schema/policy.schema.json")
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("policy: decode schema: %w", err)
	}
	sum := sha256.Sum256(b)
	return &contracts.CompiledSchema{
		RootPath:      "schema/policy.schema.json",
		HashSHA256:    hex.EncodeToString(sum[:]),
		CanonicalJSON: b,
		JSON:          m,
	}, nil
}

func extractPolicy(compiled map[string]any, id canonical.PolicyID) (Policy, error) {
	policies, ok := compiled["policies"].(map[string]any)
	if !ok {
		return Policy{}, fmt.Errorf("policy: compiled document missing %q object", "policies")
	}
	raw, ok := policies[string(id)].(map[string]any)
	if !ok {
		return Policy{}, fmt.Errorf("policy: compiled document missing policy %q", id)
	}

	level, _ := raw["sanitize_min_level"].(string)
	maxBytes, err := asInt(raw["max_bytes"])
	if err != nil {
		return Policy{}, fmt.Errorf("policy %q: max_bytes: %w", id, err)
	}
	quoteLimit, err := asInt(raw["quote_limit_words"])
	if err != nil {
		return Policy{}, fmt.Errorf("policy %q: quote_limit_words: %w", id, err)
	}
	dateStrict, _ := raw["date_strictness"].(bool)

	sl := canonical.SanitizeLevel(level)
	if !canonical.ValidSanitizeLevel(sl) {
		return Policy{}, fmt.Errorf("policy %q: invalid sanitize_min_level %q", id, level)
	}

	return Policy{
		ID:               id,
		SanitizeMinLevel: sl,
		MaxBytes:         maxBytes,
		QuoteLimitWords:  quoteLimit,
		DateStrictness:   dateStrict,
	}, nil
}

func asInt(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, err
	}
	return int(i), nil
}

func firstProfileIssue(r profiles.Report) string {
	if len(r.Issues) == 0 {
		return "(none)"
	}
	it := r.Issues[0]
	return fmt.Sprintf("%s %s: %s", it.Code, it.Path, it.Message)
}

func firstCompileIssue(r profiles.CompileReport) string {
	if len(r.Issues) == 0 {
		return "(none)"
	}
	it := r.Issues[0]
	return fmt.Sprintf("%s %s: %s", it.Code, it.Path, it.Message)
}

func firstContractsViolation(r contracts.Report) string {
	if len(r.Violations) == 0 {
		return "(none)"
	}
	v := r.Violations[0]
	return fmt.Sprintf("%s %s: %s", v.Code, v.Path, v.Message)
}
