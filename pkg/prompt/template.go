package prompt

// Template is one versioned prompt. Templates are plain values handed
// to the stages at construction time; nothing in this package holds
// mutable global state, so two sessions can run different prompt
// versions side by side.
type Template struct {
	Name    string
	Version string
	System  string
}

// Library bundles the full prompt set for one session.
type Library struct {
	Clarify       Template
	PlanFlat      Template
	PlanArea      Template
	PlanRevision  Template
	Think         Template
	ThinkStrict   Template
	ThinkRetry    Template
	SelectURLs    Template
	Dossier       Template
	Synthesis     Template
	AreaSynthesis Template
	CrossArea     Template
}

// DefaultLibrary returns the built-in prompt set.
func DefaultLibrary() Library {
	return Library{
		Clarify:       clarifyTemplate,
		PlanFlat:      planFlatTemplate,
		PlanArea:      planAreaTemplate,
		PlanRevision:  planRevisionTemplate,
		Think:         thinkTemplate,
		ThinkStrict:   thinkStrictTemplate,
		ThinkRetry:    thinkRetryTemplate,
		SelectURLs:    selectURLsTemplate,
		Dossier:       dossierTemplate,
		Synthesis:     synthesisTemplate,
		AreaSynthesis: areaSynthesisTemplate,
		CrossArea:     crossAreaTemplate,
	}
}
