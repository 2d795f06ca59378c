package schema

// Builder assembles a WorkflowDefinition step by step.
// It performs no validation; the engine validates at run time.
type Builder struct {
	def WorkflowDefinition
}

// NewBuilder starts a definition with the given id and name.
func NewBuilder(id, name string) *Builder {
	return &Builder{def: WorkflowDefinition{ID: id, Name: name}}
}

func (b *Builder) SetDescription(description string) *Builder {
	b.def.Description = description
	return b
}

// SetInputSchema declares the JSON Schema that run inputs must satisfy.
func (b *Builder) SetInputSchema(s map[string]any) *Builder {
	b.def.InputSchema = copyMap(s)
	return b
}

func (b *Builder) SetParallel(parallel bool) *Builder {
	b.def.Parallel = parallel
	return b
}

func (b *Builder) SetErrorHandling(policy ErrorPolicy) *Builder {
	b.def.OnError = policy
	return b
}

// AddStep appends a step. The step is copied; later mutation of the argument has no effect.
func (b *Builder) AddStep(step Step) *Builder {
	b.def.Steps = append(b.def.Steps, copyStep(step))
	return b
}

// Build returns an independent copy of the assembled definition.
func (b *Builder) Build() WorkflowDefinition {
	out := b.def
	out.InputSchema = copyMap(b.def.InputSchema)
	out.Steps = make([]Step, len(b.def.Steps))
	for i := range b.def.Steps {
		out.Steps[i] = copyStep(b.def.Steps[i])
	}
	return out
}

func copyStep(s Step) Step {
	c := s
	c.Params = copyMap(s.Params)
	if s.DependsOn != nil {
		c.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.Retry != nil {
		r := *s.Retry
		c.Retry = &r
	}
	if s.Compensation != nil {
		tc := *s.Compensation
		tc.Params = copyMap(s.Compensation.Params)
		c.Compensation = &tc
	}
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
