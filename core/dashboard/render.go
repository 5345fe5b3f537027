// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dashboard

import (
	"strings"

	"github.com/juju/errors"
)

// RenderContext carries the values substituted into a dashboard template.
type RenderContext struct {
	// Datasource is the name of the datasource panels should query.
	Datasource string

	// Target and Query are the derived monitoring-topology strings.
	Target string
	Query  string
}

// Render substitutes the charm placeholders ${datasource}, ${target} and
// ${query} into a dashboard template. Rendering is a pure transform:
// identical inputs produce identical output.
//
// Placeholders with other names are left untouched; Grafana has template
// variables of its own (e.g. ${prometheusds}) that must survive the
// substitution. An unterminated placeholder is a syntax error.
func Render(template string, ctx RenderContext) (string, error) {
	if i := strings.LastIndex(template, "${"); i >= 0 && !strings.Contains(template[i:], "}") {
		return "", errors.NotValidf("unterminated placeholder at offset %d", i)
	}
	replacer := strings.NewReplacer(
		"${datasource}", ctx.Datasource,
		"${target}", ctx.Target,
		"${query}", ctx.Query,
	)
	return replacer.Replace(template), nil
}
