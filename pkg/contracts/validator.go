package contracts

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const ValidatorVersion = "contracts-validator/v0.1.1"

type Severity string

const (
	SevInfo  Severity = "info"
	SevWarn  Severity = "warn"
	SevError Severity = "error"
)

type Violation struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Path     string   `json:"path,omitempty"`      // instance path: $.a.b[0]
	SchemaAt string   `json:"schema_at,omitempty"` // schema path: #/properties/x
	Message  string   `json:"message"`
}

type Report struct {
	GeneratedAt      time.Time `json:"generated_at"`
	ValidatorVersion string    `json:"validator_version"`

	SchemaRootPath string `json:"schema_root_path,omitempty"`
	SchemaHash     string `json:"schema_hash,omitempty"`

	CheckedNodes int `json:"checked_nodes"`
	Errors       int `json:"errors"`
	Warnings     int `json:"warnings"`
	Infos        int `json:"infos"`

	Violations []Violation `json:"violations"`
}

func (r Report) HasErrors() bool { return r.Errors > 0 }

type VOptions struct {
	MaxDepth      int `json:"max_depth"`       // default 64
	MaxNodes      int `json:"max_nodes"`       // default 250000
	MaxIssues     int `json:"max_issues"`      // default 10000
	MaxRegexCache int `json:"max_regex_cache"` // default 128

	// big.Float precision for numeric comparisons (enum/const, min/max, etc.)
	NumberPrecision uint `json:"number_precision"` // default 512

	// If true, stop after first error.
	FailFast bool `json:"fail_fast"`

	// If true, warn when ignored keywords are present (format, $comment, title, description, etc.)
	WarnIgnoredKeywords bool `json:"warn_ignored_keywords"`
}

type Validator struct {
	opts VOptions

	// bounded regex cache for "pattern"
	reCache map[string]*regexp.Regexp
	reOrder []string // insertion order for simple eviction
}

func NewValidator(opts VOptions) *Validator {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 64
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = 250000
	}
	if opts.MaxIssues <= 0 {
		opts.MaxIssues = 10000
	}
	if opts.MaxRegexCache <= 0 {
		opts.MaxRegexCache = 128
	}
	if opts.NumberPrecision == 0 {
		opts.NumberPrecision = 512
	}
	return &Validator{
		opts:    opts,
		reCache: make(map[string]*regexp.Regexp, 64),
		reOrder: make([]string, 0, 64),
	}
}

func (v *Validator) Validate(ctx context.Context, schema *CompiledSchema, instance any) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	r := Report{
		GeneratedAt:      time.Now().UTC(),
		ValidatorVersion: ValidatorVersion,
		Violations:       make([]Violation, 0, 64),
	}
	if schema != nil {
		r.SchemaRootPath = schema.RootPath
		r.SchemaHash = schema.HashSHA256
	}
	if schema == nil || schema.JSON == nil {
		r.add(v.opts, Violation{Severity: SevError, Code: "schema.nil", Path: "$", SchemaAt: "#", Message: "schema is nil"})
		return r.finalize()
	}
	nodeBudget := v.opts.MaxNodes
	v.validateAny(ctx, &r, schema.JSON, instance, "$", "#", 0, &nodeBudget)
	r.CheckedNodes = v.opts.MaxNodes - nodeBudget
	return r.finalize()
}

// ---- report helpers ----

// add appends a violation and reports whether validation should stop
// (fail-fast hit, or the issue cap reached).
func (r *Report) add(opts VOptions, it Violation) bool {
	if len(r.Violations) >= opts.MaxIssues {
		if len(r.Violations) == opts.MaxIssues {
			r.Violations = append(r.Violations, Violation{
				Severity: SevWarn,
				Code:     "report.truncated",
				Path:     "$",
				SchemaAt: "#",
				Message:  fmt.Sprintf("violation limit reached (%d); further violations not reported", opts.MaxIssues),
			})
		}
		return true
	}
	r.Violations = append(r.Violations, it)
	if opts.FailFast && it.Severity == SevError {
		return true
	}
	return false
}

func (r Report) finalize() Report {
	sort.SliceStable(r.Violations, func(i, j int) bool {
		a, b := r.Violations[i], r.Violations[j]
		if a.Severity != b.Severity {
			return sevRank(a.Severity) < sevRank(b.Severity)
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.SchemaAt != b.SchemaAt {
			return a.SchemaAt < b.SchemaAt
		}
		return a.Message < b.Message
	})
	r.Errors, r.Warnings, r.Infos = 0, 0, 0
	for _, it := range r.Violations {
		switch it.Severity {
		case SevError:
			r.Errors++
		case SevWarn:
			r.Warnings++
		default:
			r.Infos++
		}
	}
	return r
}

func sevRank(s Severity) int {
	switch s {
	case SevError:
		return 1
	case SevWarn:
		return 2
	default:
		return 3
	}
}

// ---- validation core ----

func (v *Validator) validateAny(ctx context.Context, r *Report, schema any, inst any, path string, schemaAt string, depth int, nodeBudget *int) bool {
	if err := ctx.Err(); err != nil {
		return r.add(v.opts, Violation{Severity: SevError, Code: "ctx.canceled", Path: path, SchemaAt: schemaAt, Message: err.Error()})
	}
	if depth > v.opts.MaxDepth {
		return r.add(v.opts, Violation{Severity: SevError, Code: "limits.depth", Path: path, SchemaAt: schemaAt, Message: fmt.Sprintf("max depth exceeded (%d)", v.opts.MaxDepth)})
	}
	if *nodeBudget <= 0 {
		return r.add(v.opts, Violation{Severity: SevError, Code: "limits.nodes", Path: path, SchemaAt: schemaAt, Message: fmt.Sprintf("max nodes exceeded (%d)", v.opts.MaxNodes)})
	}
	*nodeBudget--

	// Boolean schema support
	switch s := schema.(type) {
	case bool:
		if s {
			return false
		}
		return r.add(v.opts, Violation{Severity: SevError, Code: "schema.false", Path: path, SchemaAt: schemaAt, Message: "schema is false (always invalid)"})
	}
	sm, ok := schema.(map[string]any)
	if !ok {
		return r.add(v.opts, Violation{Severity: SevWarn, Code: "schema.unknown", Path: path, SchemaAt: schemaAt, Message: fmt.Sprintf("schema is %T; treating as permissive", schema)})
	}
	if v.opts.WarnIgnoredKeywords {
		// Warn once per schema object location if ignored keywords exist.
		if hasIgnoredKeyword(sm) {
			if stop := r.add(v.opts, Violation{Severity: SevWarn, Code: "schema.ignored_keywords", Path: path, SchemaAt: schemaAt, Message: "schema contains ignored keywords (e.g. format/title/description/$comment)"}); stop {
				return true
			}
		}
	}
	// Composition keywords
	if stop := v.applyAllOf(ctx, r, sm, inst, path, schemaAt, depth, nodeBudget); stop {
		return true
	}
	if stop := v.applyAnyOf(ctx, r, sm, inst, path, schemaAt, depth, nodeBudget); stop {
		return true
	}
	if stop := v.applyOneOf(ctx, r, sm, inst, path, schemaAt, depth, nodeBudget); stop {
		return true
	}
	if stop := v.applyNot(ctx, r, sm, inst, path, schemaAt, depth, nodeBudget); stop {
		return true
	}
	// const / enum
	if cval, ok := sm["const"]; ok {
		if !v.deepEqual(inst, cval) {
			return r.add(v.opts, Violation{Severity: SevError, Code: "const.mismatch", Path: path, SchemaAt: schemaAt + "/const", Message: "value does not match const"})
		}
	}
	if eval, ok := sm["enum"]; ok {
		arr, ok := eval.([]any)
		if !ok {
			return r.add(v.opts, Violation{Severity: SevError, Code: "enum.invalid", Path: path, SchemaAt: schemaAt + "/enum", Message: "enum must be an array"})
		}
		found := false
		for i := 0; i < len(arr); i++ {
			if v.deepEqual(inst, arr[i]) {
				found = true
				break
			}
		}
		if !found {
			return r.add(v.opts, Violation{Severity: SevError, Code: "enum.mismatch", Path: path, SchemaAt: schemaAt + "/enum", Message: "value not in enum"})
		}
	}
	// type
	if t, ok := sm["type"]; ok {
		if stop := v.checkType(r, inst, t, path, schemaAt+"/type"); stop {
			return true
		}
	}
	// string constraints
	if s, ok := inst.(string); ok {
		if stop := v.checkString(r, sm, s, path, schemaAt); stop {
			return true
		}
	}
	// number/integer constraints
	if isNumber(inst) {
		if stop := v.checkNumber(r, sm, inst, path, schemaAt); stop {
			return true
		}
	}
	// array constraints
	if arr, ok := inst.([]any); ok {
		if stop := v.checkArray(ctx, r, sm, arr, path, schemaAt, depth, nodeBudget); stop {
			return true
		}
	}
	// object constraints
	if obj, ok := inst.(map[string]any); ok {
		if stop := v.checkObject(ctx, r, sm, obj, path, schemaAt, depth, nodeBudget); stop {
			return true
		}
	}
	return false
}

func hasIgnoredKeyword(sm map[string]any) bool {
	ignored := []string{"format", "$comment", "title", "description", "examples", "default", "deprecated", "readOnly", "writeOnly"}
	for _, k := range ignored {
		if _, ok := sm[k]; ok {
			return true
		}
	}
	return false
}

// ---- type checks ----

func (v *Validator) checkType(r *Report, inst any, t any, path, schemaAt string) bool {
	allowed := make([]string, 0, 4)
	switch x := t.(type) {
	case string:
		allowed = append(allowed, x)
	case []any:
		for i := 0; i < len(x); i++ {
			if s, ok := x[i].(string); ok {
				allowed = append(allowed, s)
			}
		}
	default:
		return r.add(v.opts, Violation{Severity: SevError, Code: "type.invalid", Path: path, SchemaAt: schemaAt, Message: "type must be string or array"})
	}
	if len(allowed) == 0 {
		return r.add(v.opts, Violation{Severity: SevError, Code: "type.invalid", Path: path, SchemaAt: schemaAt, Message: "type has no valid entries"})
	}
	ok := false
	for _, tt := range allowed {
		if typeMatches(inst, strings.ToLower(strings.TrimSpace(tt))) {
			ok = true
			break
		}
	}
	if !ok {
		return r.add(v.opts, Violation{Severity: SevError, Code: "type.mismatch", Path: path, SchemaAt: schemaAt, Message: fmt.Sprintf("value does not match allowed types %v", allowed)})
	}
	return false
}

func typeMatches(inst any, t string) bool {
	switch t {
	case "null":
		return inst == nil
	case "boolean":
		_, ok := inst.(bool)
		return ok
	case "object":
		_, ok := inst.(map[string]any)
		return ok
	case "array":
		_, ok := inst.([]any)
		return ok
	case "string":
		_, ok := inst.(string)
		return ok
	case "number":
		return isNumber(inst)
	case "integer":
		return isInteger(inst)
	default:
		return false
	}
}

// ---- string constraints ----

func (v *Validator) checkString(r *Report, sm map[string]any, s string, path, schemaAt string) bool {
	if minv, ok := sm["minLength"]; ok {
		if mi, ok := asInt(minv); ok && len([]rune(s)) < mi {
			return r.add(v.opts, Violation{Severity: SevError, Code: "string.minLength", Path: path, SchemaAt: schemaAt + "/minLength", Message: fmt.Sprintf("length < %d", mi)})
		}
	}
	if maxv, ok := sm["maxLength"]; ok {
		if ma, ok := asInt(maxv); ok && len([]rune(s)) > ma {
			return r.add(v.opts, Violation{Severity: SevError, Code: "string.maxLength", Path: path, SchemaAt: schemaAt + "/maxLength", Message: fmt.Sprintf("length > %d", ma)})
		}
	}
	if pv, ok := sm["pattern"]; ok {
		ps, ok := pv.(string)
		if !ok {
			return r.add(v.opts, Violation{Severity: SevError, Code: "string.pattern.invalid", Path: path, SchemaAt: schemaAt + "/pattern", Message: "pattern must be string"})
		}
		re, err := v.getRegex(ps)
		if err != nil {
			return r.add(v.opts, Violation{Severity: SevError, Code: "string.pattern.compile", Path: path, SchemaAt: schemaAt + "/pattern", Message: err.Error()})
		}
		if !re.MatchString(s) {
			return r.add(v.opts, Violation{Severity: SevError, Code: "string.pattern.mismatch", Path: path, SchemaAt: schemaAt + "/pattern", Message: "pattern mismatch"})
		}
	}
	return false
}

func (v *Validator) getRegex(pat string) (*regexp.Regexp, error) {
	if re, ok := v.reCache[pat]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, err
	}
	if len(v.reOrder) >= v.opts.MaxRegexCache {
		old := v.reOrder[0]
		v.reOrder = v.reOrder[1:]
		delete(v.reCache, old)
	}
	v.reCache[pat] = re
	v.reOrder = append(v.reOrder, pat)
	return re, nil
}

// ---- number constraints ----

func (v *Validator) checkNumber(r *Report, sm map[string]any, inst any, path, schemaAt string) bool {
	n, ok := v.parseNumber(inst)
	if !ok {
		return r.add(v.opts, Violation{Severity: SevError, Code: "number.invalid", Path: path, SchemaAt: schemaAt, Message: "invalid number"})
	}
	if mv, ok := sm["minimum"]; ok {
		if m, ok := v.parseNumber(mv); ok && n.Cmp(m) < 0 {
			return r.add(v.opts, Violation{Severity: SevError, Code: "number.minimum", Path: path, SchemaAt: schemaAt + "/minimum", Message: "value < minimum"})
		}
	}
	if mv, ok := sm["maximum"]; ok {
		if m, ok := v.parseNumber(mv); ok && n.Cmp(m) > 0 {
			return r.add(v.opts, Violation{Severity: SevError, Code: "number.maximum", Path: path, SchemaAt: schemaAt + "/maximum", Message: "value > maximum"})
		}
	}
	if mv, ok := sm["exclusiveMinimum"]; ok {
		if m, ok := v.parseNumber(mv); ok && n.Cmp(m) <= 0 {
			return r.add(v.opts, Violation{Severity: SevError, Code: "number.exclusiveMinimum", Path: path, SchemaAt: schemaAt + "/exclusiveMinimum", Message: "value <= exclusiveMinimum"})
		}
	}
	if mv, ok := sm["exclusiveMaximum"]; ok {
		if m, ok := v.parseNumber(mv); ok && n.Cmp(m) >= 0 {
			return r.add(v.opts, Violation{Severity: SevError, Code: "number.exclusiveMaximum", Path: path, SchemaAt: schemaAt + "/exclusiveMaximum", Message: "value >= exclusiveMaximum"})
		}
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case json.Number, float64, int64, int, uint64, uint:
		return true
	default:
		return false
	}
}

func isInteger(v any) bool {
	switch x := v.(type) {
	case int, int64, uint, uint64:
		return true
	case json.Number:
		s := strings.TrimSpace(x.String())
		if strings.ContainsAny(s, ".eE") {
			return false
		}
		if s == "0" || s == "-0" {
			return true
		}
		if strings.HasPrefix(s, "-") {
			s = s[1:]
		}
		if len(s) > 1 && strings.HasPrefix(s, "0") {
			return false
		}
		return len(s) > 0
	default:
		return false
	}
}

// parseNumber converts supported numeric types to big.Float for safe comparisons.
func (v *Validator) parseNumber(val any) (*big.Float, bool) {
	f := new(big.Float).SetPrec(v.opts.NumberPrecision)
	switch x := val.(type) {
	case json.Number:
		s := strings.TrimSpace(x.String())
		if s == "" {
			return nil, false
		}
		if _, ok := f.SetString(s); ok {
			return f, true
		}
		return nil, false
	case float64:
		if _, ok := f.SetString(strconv.FormatFloat(x, 'g', -1, 64)); ok {
			return f, true
		}
		return nil, false
	case int:
		f.SetInt64(int64(x))
		return f, true
	case int64:
		f.SetInt64(x)
		return f, true
	case uint:
		f.SetUint64(uint64(x))
		return f, true
	case uint64:
		f.SetUint64(x)
		return f, true
	default:
		return nil, false
	}
}

// ---- array/object constraints ----

func (v *Validator) checkArray(ctx context.Context, r *Report, sm map[string]any, arr []any, path, schemaAt string, depth int, nodeBudget *int) bool {
	if minv, ok := sm["minItems"]; ok {
		if mi, ok := asInt(minv); ok && len(arr) < mi {
			return r.add(v.opts, Violation{Severity: SevError, Code: "array.minItems", Path: path, SchemaAt: schemaAt + "/minItems", Message: fmt.Sprintf("len < %d", mi)})
		}
	}
	if maxv, ok := sm["maxItems"]; ok {
		if ma, ok := asInt(maxv); ok && len(arr) > ma {
			return r.add(v.opts, Violation{Severity: SevError, Code: "array.maxItems", Path: path, SchemaAt: schemaAt + "/maxItems", Message: fmt.Sprintf("len > %d", ma)})
		}
	}
	if items, ok := sm["items"]; ok {
		for i := 0; i < len(arr); i++ {
			if stop := v.validateAny(ctx, r, items, arr[i], fmt.Sprintf("%s[%d]", path, i), schemaAt+"/items", depth+1, nodeBudget); stop {
				return true
			}
		}
	}
	return false
}

func (v *Validator) checkObject(ctx context.Context, r *Report, sm map[string]any, obj map[string]any, path, schemaAt string, depth int, nodeBudget *int) bool {
	if req, ok := sm["required"]; ok {
		if arr, ok := req.([]any); ok {
			for i := 0; i < len(arr); i++ {
				if ks, ok := arr[i].(string); ok {
					if _, exists := obj[ks]; !exists {
						if stop := r.add(v.opts, Violation{Severity: SevError, Code: "object.required", Path: path, SchemaAt: schemaAt + "/required", Message: fmt.Sprintf("missing required %q", ks)}); stop {
							return true
						}
					}
				}
			}
		}
	}
	props, _ := sm["properties"].(map[string]any)
	if props != nil {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if val, exists := obj[k]; exists {
				if stop := v.validateAny(ctx, r, props[k], val, joinPath(path, k), schemaAt+"/properties/"+escapeJSONPointer(k), depth+1, nodeBudget); stop {
					return true
				}
			}
		}
	}
	ap, hasAP := sm["additionalProperties"]
	if !hasAP {
		return false
	}
	switch x := ap.(type) {
	case bool:
		if x {
			return false
		}
		for _, k := range sortedKeys(obj) {
			if props != nil {
				if _, ok := props[k]; ok {
					continue
				}
			}
			if stop := r.add(v.opts, Violation{Severity: SevError, Code: "object.additionalProperties", Path: joinPath(path, k), SchemaAt: schemaAt + "/additionalProperties", Message: "additional properties not allowed"}); stop {
				return true
			}
		}
		return false
	default:
		for _, k := range sortedKeys(obj) {
			if props != nil {
				if _, ok := props[k]; ok {
					continue
				}
			}
			if stop := v.validateAny(ctx, r, ap, obj[k], joinPath(path, k), schemaAt+"/additionalProperties", depth+1, nodeBudget); stop {
				return true
			}
		}
		return false
	}
}

// ---- composition keywords ----

func (v *Validator) applyAllOf(ctx context.Context, r *Report, sm map[string]any, inst any, path, schemaAt string, depth int, nodeBudget *int) bool {
	raw, ok := sm["allOf"]
	if !ok {
		return false
	}
	arr, ok := raw.([]any)
	if !ok {
		return r.add(v.opts, Violation{Severity: SevError, Code: "allOf.invalid", Path: path, SchemaAt: schemaAt + "/allOf", Message: "allOf must be array"})
	}
	for i := 0; i < len(arr); i++ {
		if stop := v.validateAny(ctx, r, arr[i], inst, path, fmt.Sprintf("%s/allOf/%d", schemaAt, i), depth+1, nodeBudget); stop {
			return true
		}
	}
	return false
}

func (v *Validator) applyAnyOf(ctx context.Context, r *Report, sm map[string]any, inst any, path, schemaAt string, depth int, nodeBudget *int) bool {
	raw, ok := sm["anyOf"]
	if !ok {
		return false
	}
	arr, ok := raw.([]any)
	if !ok {
		return r.add(v.opts, Violation{Severity: SevError, Code: "anyOf.invalid", Path: path, SchemaAt: schemaAt + "/anyOf", Message: "anyOf must be array"})
	}
	// Short-circuit: stop after first passing subschema.
	for i := 0; i < len(arr); i++ {
		subErrs := v.validateSub(ctx, arr[i], inst, path, fmt.Sprintf("%s/anyOf/%d", schemaAt, i), depth+1)
		if subErrs == 0 {
			return false
		}
	}
	return r.add(v.opts, Violation{Severity: SevError, Code: "anyOf.mismatch", Path: path, SchemaAt: schemaAt + "/anyOf", Message: "value does not match anyOf"})
}

func (v *Validator) applyOneOf(ctx context.Context, r *Report, sm map[string]any, inst any, path, schemaAt string, depth int, nodeBudget *int) bool {
	raw, ok := sm["oneOf"]
	if !ok {
		return false
	}
	arr, ok := raw.([]any)
	if !ok {
		return r.add(v.opts, Violation{Severity: SevError, Code: "oneOf.invalid", Path: path, SchemaAt: schemaAt + "/oneOf", Message: "oneOf must be array"})
	}
	// Short-circuit: stop after second match (already invalid).
	matches := 0
	for i := 0; i < len(arr); i++ {
		subErrs := v.validateSub(ctx, arr[i], inst, path, fmt.Sprintf("%s/oneOf/%d", schemaAt, i), depth+1)
		if subErrs == 0 {
			matches++
			if matches > 1 {
				return r.add(v.opts, Violation{Severity: SevError, Code: "oneOf.mismatch", Path: path, SchemaAt: schemaAt + "/oneOf", Message: "more than one subschema matched"})
			}
		}
	}
	if matches != 1 {
		return r.add(v.opts, Violation{Severity: SevError, Code: "oneOf.mismatch", Path: path, SchemaAt: schemaAt + "/oneOf", Message: fmt.Sprintf("expected exactly 1 matching subschema, got %d", matches)})
	}
	return false
}

func (v *Validator) applyNot(ctx context.Context, r *Report, sm map[string]any, inst any, path, schemaAt string, depth int, nodeBudget *int) bool {
	raw, ok := sm["not"]
	if !ok {
		return false
	}
	subErrs := v.validateSub(ctx, raw, inst, path, schemaAt+"/not", depth+1)
	if subErrs == 0 {
		return r.add(v.opts, Violation{Severity: SevError, Code: "not.mismatch", Path: path, SchemaAt: schemaAt + "/not", Message: "value matches schema in not"})
	}
	return false
}

func (v *Validator) validateSub(ctx context.Context, schema any, inst any, path, schemaAt string, depth int) int {
	tmp := Report{
		GeneratedAt:      time.Now().UTC(),
		ValidatorVersion: ValidatorVersion,
		Violations:       make([]Violation, 0, 8),
	}
	nb := v.opts.MaxNodes / 10
	if nb < 1000 {
		nb = 1000
	}
	_ = v.validateAny(ctx, &tmp, schema, inst, path, schemaAt, depth, &nb)
	tmp = tmp.finalize()
	return tmp.Errors
}

// ---- utilities ----

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	default:
		return 0, false
	}
}

func joinPath(base, key string) string {
	if base == "" || base == "$" {
		return "$." + key
	}
	return base + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeJSONPointer(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	seg = strings.ReplaceAll(seg, "/", "~1")
	return seg
}

func (v *Validator) deepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if isNumber(a) && isNumber(b) {
		af, aok := v.parseNumber(a)
		bf, bok := v.parseNumber(b)
		if aok && bok {
			return af.Cmp(bf) == 0
		}
	}
	switch ax := a.(type) {
	case string:
		bx, ok := b.(string)
		return ok && ax == bx
	case bool:
		bx, ok := b.(bool)
		return ok && ax == bx
	case []any:
		bx, ok := b.([]any)
		if !ok || len(ax) != len(bx) {
			return false
		}
		for i := 0; i < len(ax); i++ {
			if !v.deepEqual(ax[i], bx[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bx, ok := b.(map[string]any)
		if !ok || len(ax) != len(bx) {
			return false
		}
		keys := make([]string, 0, len(ax))
		for k := range ax {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !v.deepEqual(ax[k], bx[k]) {
				return false
			}
		}
		return true
	case json.Number:
		bx, ok := b.(json.Number)
		return ok && strings.TrimSpace(ax.String()) == strings.TrimSpace(bx.String())
	default:
		return false
	}
}
