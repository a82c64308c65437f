package visiongate

// PromptCatalog maps analysis types to the prompt sent to the provider.
type PromptCatalog map[AnalysisType]string

// DefaultPrompts returns the built-in prompt catalog.
func DefaultPrompts() PromptCatalog {
	return PromptCatalog{
		AnalysisSpecies:   "Identify the species of the fish or seafood in this photo. Give the common and scientific name and a short confidence note. If no fish or seafood is visible, say so.",
		AnalysisFreshness: "Assess the freshness of the fish or seafood in this photo from its eyes, gills, skin and overall appearance. Rate it fresh, acceptable or spoiled and explain briefly.",
		AnalysisBoth:      "Identify the species of the fish or seafood in this photo, then assess its freshness from its eyes, gills, skin and overall appearance. Answer both parts briefly.",
	}
}

// For returns the prompt for the given analysis type, falling back to
// the built-in catalog for types without an override.
func (p PromptCatalog) For(t AnalysisType) string {
	if s, ok := p[t]; ok && s != "" {
		return s
	}
	return DefaultPrompts()[t]
}
