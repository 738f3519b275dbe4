package main

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/contentflow/contentflow/engine/pipeline"
)

// Stage executors are external collaborators from the engine's point
// of view. The built-in ones below are template-driven stand-ins that
// synthesize deterministic text from the stage inputs, which is enough
// to exercise the full gate/session flow end to end. Real generators
// plug in through pipeline.Executors.

// templateExecutor renders one text template per output key.
type templateExecutor struct {
	templates map[string]*template.Template
}

func newTemplateExecutor(stage string, sources map[string]string) (*templateExecutor, error) {
	templates := make(map[string]*template.Template, len(sources))
	for key, src := range sources {
		tmpl, err := template.New(stage + "/" + key).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("bad template for %s output %s: %w", stage, key, err)
		}
		templates[key] = tmpl
	}
	return &templateExecutor{templates: templates}, nil
}

func (e *templateExecutor) Execute(ctx context.Context, req pipeline.Request) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(e.templates))
	for key, tmpl := range e.templates {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, req); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", key, err)
		}
		out[key] = buf.String()
	}
	return out, nil
}

const guidanceBlock = `{{with index .Inputs "additional_guidance"}}
## Reviewer Guidance Applied

{{.}}
{{end}}`

var researchTemplates = map[string]string{
	"product_analysis": `# Product Analysis

Iteration {{.Iteration}}.

## Source Material

{{index .Inputs "input_sources"}}
` + guidanceBlock,
	"persona_library": `# Persona Library

Iteration {{.Iteration}}. Personas derived from the product brief.
` + guidanceBlock,
	"content_strategy": `# Content Strategy

Iteration {{.Iteration}}. Strategy aligned to the analysis and personas.
` + guidanceBlock,
}

var generationTemplates = map[string]string{
	"generated_content": `# Generated Content

Iteration {{.Iteration}}.

## Strategy

{{index .Inputs "content_strategy"}}

## Personas

{{index .Inputs "persona_library"}}
` + guidanceBlock,
}

var refinementTemplates = map[string]string{
	"final_content": `# Final Content

Iteration {{.Iteration}}. Polished revision of the approved draft.

{{index .Inputs "generated_content"}}
` + guidanceBlock,
}

// defaultExecutors wires the template stand-ins for all three stages.
// The templates are compile-time constants, so parse errors here are
// programming mistakes and panic at startup.
func defaultExecutors() pipeline.Executors {
	return pipeline.Executors{
		Research:   mustTemplateExecutor("research", researchTemplates),
		Generation: mustTemplateExecutor("generation", generationTemplates),
		Refinement: mustTemplateExecutor("refinement", refinementTemplates),
	}
}

func mustTemplateExecutor(stage string, sources map[string]string) *templateExecutor {
	e, err := newTemplateExecutor(stage, sources)
	if err != nil {
		panic(err)
	}
	return e
}
