package schema

import (
	"regexp"
	"strings"

	"coordline/internal/domain"
)

// Definition is the parsed identity of a proposed DDL change.
type Definition struct {
	Kind      string
	Namespace string
	Name      string
	Signature string
	Text      string
}

// Identity is the fully-qualified identity including the parameter
// signature for callables. It is the entity id for governance events.
func (d Definition) Identity() string {
	if d.Signature != "" {
		return d.QualifiedName() + "(" + d.Signature + ")"
	}
	return d.QualifiedName()
}

// QualifiedName returns namespace.name.
func (d Definition) QualifiedName() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + "." + d.Name
}

var createRe = regexp.MustCompile(`(?is)^\s*create\s+(?:or\s+replace\s+)?(table|view|index|trigger|function)\s+(?:if\s+not\s+exists\s+)?([a-zA-Z_][\w]*)(?:\.([a-zA-Z_][\w]*))?\s*(\(([^)]*)\))?`)

// Parse extracts object kind and fully-qualified identity from a
// definition text. Callables additionally carry a parameter signature.
func Parse(text string) (Definition, error) {
	m := createRe.FindStringSubmatch(text)
	if m == nil {
		return Definition{}, domain.ValidationError{Field: "definition", Reason: "not a recognizable CREATE statement"}
	}
	d := Definition{
		Kind: strings.ToLower(m[1]),
		Text: strings.TrimSpace(text),
	}
	if m[3] != "" {
		d.Namespace = strings.ToLower(m[2])
		d.Name = strings.ToLower(m[3])
	} else {
		d.Name = strings.ToLower(m[2])
	}
	if d.Kind == "function" && m[5] != "" {
		d.Signature = normalizeSignature(m[5])
	}
	// Table definitions also match the parenthesized group; only
	// callables keep a signature.
	if d.Kind != "function" {
		d.Signature = ""
	}
	return d, nil
}

var alterRe = regexp.MustCompile(`(?is)^\s*alter\s+table\s+([a-zA-Z_][\w]*)(?:\.([a-zA-Z_][\w]*))?\s+add\s+(?:column\s+)?(.+?)\s*;?\s*$`)

// AlterStatement is a parsed ALTER TABLE ... ADD COLUMN submission.
// Alters never execute as written; the pipeline folds the new column
// into the governed definition and redeploys that.
type AlterStatement struct {
	Namespace string
	Name      string
	Column    string
}

// ParseAlter extracts the target table and column clause from an ALTER
// statement. Only ADD COLUMN is supported; anything else a caller wants
// changed is a new definition of the object.
func ParseAlter(text string) (AlterStatement, error) {
	m := alterRe.FindStringSubmatch(text)
	if m == nil {
		return AlterStatement{}, domain.ValidationError{Field: "statement", Reason: "only ALTER TABLE ... ADD COLUMN is supported"}
	}
	a := AlterStatement{Column: strings.Join(strings.Fields(m[3]), " ")}
	if m[2] != "" {
		a.Namespace = strings.ToLower(m[1])
		a.Name = strings.ToLower(m[2])
	} else {
		a.Name = strings.ToLower(m[1])
	}
	return a, nil
}

// QualifiedName returns namespace.name for the altered table.
func (a AlterStatement) QualifiedName() string {
	if a.Namespace == "" {
		return a.Name
	}
	return a.Namespace + "." + a.Name
}

func normalizeSignature(sig string) string {
	parts := strings.Split(sig, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return strings.Join(out, ",")
}
