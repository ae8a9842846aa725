package refcontext

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"workdeck/pkg/persistence"
)

// variableToken matches any {{ name }} template variable, used for stripping
// unknown references and for template validation.
var variableToken = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// templateVariables builds the substitution table for a prompt template from
// workspace metadata and resolved reference context. Either argument may be
// nil, in which case its namespace resolves to empty strings.
func templateVariables(ws *persistence.Workspace, refCtx *Context) map[string]string {
	vars := map[string]string{
		"workspace.id":            "",
		"workspace.path":          "",
		"workspace.branch":        "",
		"workspace.port":          "",
		"workspace.reference-url": "",
		"context.kind":            "",
		"context.number":          "",
		"context.title":           "",
		"context.description":     "",
		"context.labels":          "",
		"context.state":           "",
		"context.author":          "",
		"context.url":             "",
		"context.source-branch":   "",
		"context.target-branch":   "",
	}

	if ws != nil {
		vars["workspace.id"] = ws.ID
		vars["workspace.path"] = ws.Path
		vars["workspace.branch"] = ws.Branch
		vars["workspace.port"] = strconv.Itoa(ws.Port)
		vars["workspace.reference-url"] = ws.ReferenceURL
	}
	if refCtx != nil {
		vars["context.kind"] = refCtx.Kind
		vars["context.number"] = strconv.Itoa(refCtx.Number)
		vars["context.title"] = refCtx.Title
		vars["context.description"] = refCtx.Description
		vars["context.labels"] = strings.Join(refCtx.Labels, ", ")
		vars["context.state"] = refCtx.State
		vars["context.author"] = refCtx.Author
		vars["context.url"] = refCtx.URL
		vars["context.source-branch"] = refCtx.SourceBranch
		vars["context.target-branch"] = refCtx.TargetBranch
	}
	return vars
}

// Render substitutes {{ workspace.* }} and {{ context.* }} variables in a
// prompt template. Unknown variables are replaced with the empty string so a
// typo degrades the prompt rather than failing the trigger. Substitution is
// a single pass, so substituted values are never re-interpreted as variables.
func Render(template string, ws *persistence.Workspace, refCtx *Context) string {
	vars := templateVariables(ws, refCtx)
	return variableToken.ReplaceAllStringFunc(template, func(token string) string {
		name := variableToken.FindStringSubmatch(token)[1]
		return vars[name]
	})
}

// Validate returns an error listing every variable in the template that is
// not a known workspace or context field. Used at zone save time so template
// typos surface before the first trigger.
func Validate(template string) error {
	known := templateVariables(nil, nil)

	var unknown []string
	seen := make(map[string]bool)
	for _, m := range variableToken.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if _, ok := known[name]; !ok && !seen[name] {
			unknown = append(unknown, name)
			seen[name] = true
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("template references unknown variables: %s", strings.Join(unknown, ", "))
	}
	return nil
}
