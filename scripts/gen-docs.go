//go:build ignore

// gen-docs renders the settings file reference from apis/v1. It walks the
// Settings type from the root and writes a JSON Schema for editors to
// docs/schemas/settings.schema.json and a key-by-key table to docs/settings.md.
package main

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"
)

const (
	apiPackage = "github.com/infracollect/ark/apis/v1"
	rootType   = "Settings"
	draft      = "https://json-schema.org/draft/2020-12/schema"
)

// node is a JSON Schema node. Only the keywords the settings need are modelled.
type node struct {
	Schema               string           `json:"$schema,omitempty"`
	Title                string           `json:"title,omitempty"`
	Description          string           `json:"description,omitempty"`
	Type                 string           `json:"type,omitempty"`
	Properties           map[string]*node `json:"properties,omitempty"`
	AdditionalProperties any              `json:"additionalProperties,omitempty"`
	Items                *node            `json:"items,omitempty"`
	Required             []string         `json:"required,omitempty"`
	Enum                 []string         `json:"enum,omitempty"`
	Const                string           `json:"const,omitempty"`
	Minimum              *int             `json:"minimum,omitempty"`
	Maximum              *int             `json:"maximum,omitempty"`
	Default              any              `json:"default,omitempty"`
	Template             bool             `json:"x-template,omitempty"`
}

// row is one settings key on the reference page.
type row struct {
	key      string
	typ      string
	def      string
	required bool
	n        *node
}

type generator struct {
	docs map[types.Object]string
	rows []row
}

func main() {
	pkg, err := loadPackage()
	if err != nil {
		fail("loading "+apiPackage, err)
	}

	obj := pkg.Types.Scope().Lookup(rootType)
	if obj == nil {
		fail("loading "+apiPackage, fmt.Errorf("type %s not found", rootType))
	}
	named, ok := obj.Type().(*types.Named)
	if !ok || structOf(named) == nil {
		fail("loading "+apiPackage, fmt.Errorf("%s is not a struct", rootType))
	}

	g := &generator{docs: collectDocs(pkg)}
	schema := g.object(named, "")
	schema.Schema = draft
	schema.Title = "ark settings"

	root := pkg.Module.Dir
	schemaPath := filepath.Join(root, "docs", "schemas", "settings.schema.json")
	if err := os.MkdirAll(filepath.Dir(schemaPath), 0o755); err != nil {
		fail("creating output directory", err)
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fail("encoding schema", err)
	}
	if err := os.WriteFile(schemaPath, append(data, '\n'), 0o644); err != nil {
		fail("writing "+schemaPath, err)
	}
	fmt.Printf("Generated %s\n", schemaPath)

	pagePath := filepath.Join(root, "docs", "settings.md")
	if err := os.WriteFile(pagePath, []byte(g.markdown(schema)), 0o644); err != nil {
		fail("writing "+pagePath, err)
	}
	fmt.Printf("Generated %s (%d keys)\n", pagePath, len(g.rows))
}

func fail(action string, err error) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", action, err)
	os.Exit(1)
}

func loadPackage() (*packages.Package, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedSyntax | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedModule,
	}
	pkgs, err := packages.Load(cfg, apiPackage)
	if err != nil {
		return nil, err
	}
	if len(pkgs) != 1 {
		return nil, fmt.Errorf("expected one package, found %d", len(pkgs))
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		for _, e := range pkg.Errors {
			fmt.Fprintf(os.Stderr, "Package error: %v\n", e)
		}
		return nil, fmt.Errorf("package has errors")
	}
	if pkg.Module == nil {
		return nil, fmt.Errorf("package is not part of a module")
	}
	return pkg, nil
}

// collectDocs maps type and field objects to their doc comments. Fields
// without a doc comment fall back to their trailing line comment.
func collectDocs(pkg *packages.Package) map[types.Object]string {
	docs := make(map[types.Object]string)
	for _, file := range pkg.Syntax {
		ast.Inspect(file, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.GenDecl:
				if n.Tok != token.TYPE {
					return true
				}
				for _, spec := range n.Specs {
					ts := spec.(*ast.TypeSpec)
					text := ts.Doc.Text()
					if text == "" && len(n.Specs) == 1 {
						text = n.Doc.Text()
					}
					docs[pkg.TypesInfo.Defs[ts.Name]] = text
				}
			case *ast.Field:
				text := n.Doc.Text()
				if text == "" {
					text = n.Comment.Text()
				}
				for _, name := range n.Names {
					docs[pkg.TypesInfo.Defs[name]] = text
				}
			}
			return true
		})
	}
	return docs
}

// object describes a struct and records a row for every leaf key beneath it.
func (g *generator) object(named *types.Named, prefix string) *node {
	st := structOf(named)
	n := &node{
		Type:                 "object",
		Description:          oneLine(g.docs[named.Obj()]),
		Properties:           make(map[string]*node),
		AdditionalProperties: false,
	}

	for i := 0; i < st.NumFields(); i++ {
		field := st.Field(i)
		if !field.Exported() || field.Embedded() {
			continue
		}
		tag := reflect.StructTag(st.Tag(i))
		key, _, _ := strings.Cut(tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested := namedStruct(field.Type()); nested != nil {
			child := g.object(nested, path)
			if doc := oneLine(g.docs[field]); doc != "" {
				child.Description = doc
			}
			n.Properties[key] = child
			continue
		}

		leaf := g.leaf(field, tag)
		required := applyConstraints(leaf, tag.Get("validate"))
		if required {
			n.Required = append(n.Required, key)
		}
		n.Properties[key] = leaf
		g.rows = append(g.rows, row{
			key:      path,
			typ:      typeLabel(leaf),
			def:      defaultLabel(leaf),
			required: required,
			n:        leaf,
		})
	}
	return n
}

func (g *generator) leaf(field *types.Var, tag reflect.StructTag) *node {
	n := schemaType(field.Type())
	doc := g.docs[field]
	n.Description = oneLine(doc)
	_, n.Template = tag.Lookup("template")
	if def, ok := documentedDefault(doc); ok {
		n.Default = typedDefault(n.Type, def)
	}
	return n
}

func schemaType(t types.Type) *node {
	if ptr, ok := t.(*types.Pointer); ok {
		t = ptr.Elem()
	}
	switch u := t.Underlying().(type) {
	case *types.Basic:
		info := u.Info()
		switch {
		case info&types.IsBoolean != 0:
			return &node{Type: "boolean"}
		case info&types.IsInteger != 0:
			return &node{Type: "integer"}
		case info&types.IsFloat != 0:
			return &node{Type: "number"}
		default:
			return &node{Type: "string"}
		}
	case *types.Map:
		return &node{Type: "object", AdditionalProperties: schemaType(u.Elem())}
	case *types.Slice:
		return &node{Type: "array", Items: schemaType(u.Elem())}
	default:
		return &node{}
	}
}

// applyConstraints copies validator rules onto n and reports whether the key
// is required. Rules after "dive" apply to elements and are skipped.
func applyConstraints(n *node, rules string) bool {
	required := false
	for _, rule := range strings.Split(rules, ",") {
		name, value, _ := strings.Cut(rule, "=")
		switch name {
		case "dive":
			return required
		case "required":
			required = true
		case "oneof":
			n.Enum = strings.Fields(value)
		case "eq":
			n.Const = value
		case "min", "max":
			if n.Type != "integer" {
				continue
			}
			bound, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			if name == "min" {
				n.Minimum = &bound
			} else {
				n.Maximum = &bound
			}
		}
	}
	return required
}

// Matches `Defaults to "tar".` and `Defaults to "$TMPDIR".`
var defaultPattern = regexp.MustCompile(`Defaults to "([^"]+)"`)

func documentedDefault(doc string) (string, bool) {
	m := defaultPattern.FindStringSubmatch(doc)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func typedDefault(typ, value string) any {
	switch typ {
	case "boolean":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	case "integer":
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return value
}

func namedStruct(t types.Type) *types.Named {
	if ptr, ok := t.(*types.Pointer); ok {
		t = ptr.Elem()
	}
	named, ok := t.(*types.Named)
	if !ok || structOf(named) == nil {
		return nil
	}
	return named
}

func structOf(named *types.Named) *types.Struct {
	st, _ := named.Underlying().(*types.Struct)
	return st
}

func oneLine(doc string) string {
	return strings.Join(strings.Fields(doc), " ")
}

func typeLabel(n *node) string {
	switch n.Type {
	case "object":
		if elem, ok := n.AdditionalProperties.(*node); ok {
			return "map of " + elem.Type
		}
	case "array":
		return "list of " + n.Items.Type
	}
	return n.Type
}

func defaultLabel(n *node) string {
	if n.Default == nil {
		return ""
	}
	return fmt.Sprintf("`%v`", n.Default)
}

func (g *generator) markdown(schema *node) string {
	var sb strings.Builder
	sb.WriteString("# Settings reference\n\n")
	sb.WriteString("<!-- Generated by scripts/gen-docs.go. DO NOT EDIT. -->\n\n")
	fmt.Fprintf(&sb, "%s\n\n", schema.Description)

	var sections []string
	for _, key := range sortedKeys(schema.Properties) {
		if child := schema.Properties[key]; child.Properties != nil && child.Description != "" {
			sections = append(sections, fmt.Sprintf("- `%s`: %s", key, child.Description))
		}
	}
	if len(sections) > 0 {
		sb.WriteString(strings.Join(sections, "\n"))
		sb.WriteString("\n\n")
	}

	sb.WriteString("| Key | Type | Default | Notes |\n")
	sb.WriteString("|-----|------|---------|-------|\n")
	for _, r := range g.rows {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s |\n", r.key, r.typ, r.def, notes(r))
	}
	return sb.String()
}

func notes(r row) string {
	var parts []string
	if r.n.Description != "" {
		parts = append(parts, r.n.Description)
	}
	if r.required {
		parts = append(parts, "Required.")
	}
	if r.n.Const != "" {
		parts = append(parts, "Must be `"+r.n.Const+"`.")
	}
	if len(r.n.Enum) > 0 {
		parts = append(parts, "One of `"+strings.Join(r.n.Enum, "`, `")+"`.")
	}
	switch {
	case r.n.Minimum != nil && r.n.Maximum != nil:
		parts = append(parts, fmt.Sprintf("Between %d and %d.", *r.n.Minimum, *r.n.Maximum))
	case r.n.Minimum != nil:
		parts = append(parts, fmt.Sprintf("At least %d.", *r.n.Minimum))
	case r.n.Maximum != nil:
		parts = append(parts, fmt.Sprintf("At most %d.", *r.n.Maximum))
	}
	if r.n.Template {
		parts = append(parts, "Expands `${VAR}`.")
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
