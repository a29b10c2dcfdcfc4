package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-coding/platform/internal/extraction"
	"github.com/clinical-coding/platform/internal/terminology"
)

func seedStore(t *testing.T) *terminology.MemoryStore {
	t.Helper()
	store, err := terminology.LoadYAMLFile("../terminology/testdata/seed.yaml")
	require.NoError(t, err)
	return store
}

func finding(term, code string) extraction.Candidate {
	return extraction.Candidate{Term: term, Hierarchy: terminology.HierarchyClinicalFinding, Code: code}
}

func TestValidate(t *testing.T) {
	v := New(seedStore(t))
	ctx := context.Background()

	tests := []struct {
		name         string
		candidate    extraction.Candidate
		status       Status
		resolvedCode string
	}{
		{"declared code in hierarchy", finding("douleur thoracique", "29857009"), StatusValid, "29857009"},
		{"declared code elsewhere", finding("thorax", "51185008"), StatusCodeMismatch, ""},
		{"declared code missing", finding("douleur thoracique", "999999999"), StatusCodeMissing, ""},
		{"term resolves", finding("Varicelle", ""), StatusValid, "38907003"},
		{"term approximate", finding("appendicetomie", ""), StatusUnknownTerm, ""},
		{"term unknown", finding("lorem ipsum", ""), StatusUnknownTerm, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(ctx, tt.candidate)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.resolvedCode, got.ResolvedCode)
			assert.Equal(t, tt.candidate, got.Candidate, "candidate is not modified")
		})
	}
}

func TestValidate_MismatchRecordsFoundHierarchy(t *testing.T) {
	v := New(seedStore(t))

	got, err := v.Validate(context.Background(), finding("thorax", "51185008"))
	require.NoError(t, err)
	assert.Equal(t, terminology.HierarchyBodyStructure, got.FoundHierarchy)
	assert.Equal(t, "51185008", got.EffectiveCode())
}

func TestValidate_MissingCodeSuggestion(t *testing.T) {
	v := New(seedStore(t))

	got, err := v.Validate(context.Background(), finding("douleur thoracique", "999999999"))
	require.NoError(t, err)
	assert.Equal(t, StatusCodeMissing, got.Status)
	require.NotNil(t, got.Suggestion)
	assert.Equal(t, "29857009", got.Suggestion.Code)
	assert.Empty(t, got.ResolvedCode)
}

func TestValidate_Ambiguous(t *testing.T) {
	v := New(seedStore(t))

	got, err := v.Validate(context.Background(), finding("douleur", ""))
	require.NoError(t, err)
	assert.Equal(t, StatusUnknownTerm, got.Status)
	assert.True(t, got.Ambiguous)
	assert.ElementsMatch(t, []string{"21522001", "29857009"}, got.Alternatives)
}

func TestValidate_ProcedureEditDistance(t *testing.T) {
	v := New(seedStore(t))

	got, err := v.Validate(context.Background(), extraction.Candidate{
		Term:      "appendicetomie",
		Hierarchy: terminology.HierarchyProcedure,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, got.Status)
	assert.Equal(t, "80146002", got.ResolvedCode)
	assert.Equal(t, "appendicectomie", got.OfficialTerm)
}

func TestValidate_RoundTrip(t *testing.T) {
	store := seedStore(t)
	v := New(store)
	ctx := context.Background()

	for _, h := range terminology.Hierarchies {
		for _, code := range []string{"29857009", "38907003", "29303009", "80146002", "66019005", "80891009"} {
			e, ok := store.LookupByCode(code)
			require.True(t, ok)
			if e.Hierarchy != h {
				continue
			}
			got, err := v.Validate(ctx, extraction.Candidate{Term: e.PreferredTerm, Hierarchy: h})
			require.NoError(t, err)
			assert.Equal(t, StatusValid, got.Status, code)
			assert.Equal(t, code, got.ResolvedCode)
		}
	}
}

func TestValidate_ValidImpliesResolvedInHierarchy(t *testing.T) {
	store := seedStore(t)
	v := New(store)

	candidates := []extraction.Candidate{
		finding("fièvre", ""),
		finding("céphalée", "25064002"),
		finding("cœur", "80891009"),
		{Term: "ECG", Hierarchy: terminology.HierarchyProcedure},
		{Term: "membres", Hierarchy: terminology.HierarchyBodyStructure},
	}
	concepts, err := v.ValidateAll(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, concepts, len(candidates))

	for i, c := range concepts {
		assert.Equal(t, candidates[i], c.Candidate, "order preserved")
		if c.Status != StatusValid {
			continue
		}
		e, ok := store.LookupByCode(c.ResolvedCode)
		require.True(t, ok)
		assert.Equal(t, c.Candidate.Hierarchy, e.Hierarchy)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	v := New(seedStore(t))
	ctx := context.Background()

	first, err := v.Validate(ctx, finding("douleur", ""))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := v.Validate(ctx, finding("douleur", ""))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTermAgreement(t *testing.T) {
	tests := []struct {
		extracted, official string
		verdict             Verdict
	}{
		{"Douleur thoracique", "douleur thoracique", VerdictAccepted},
		{"infarctus", "infarctus du myocarde", VerdictAccepted},
		{"xyz", "fièvre", VerdictRejected},
		{"douleur au dos", "douleur abdominale", VerdictReview},
	}
	for _, tt := range tests {
		t.Run(tt.extracted, func(t *testing.T) {
			ag := TermAgreement(tt.extracted, tt.official)
			assert.Equal(t, tt.verdict, ag.Verdict, "score %.3f", ag.Score)
			assert.GreaterOrEqual(t, ag.Score, 0.0)
			assert.LessOrEqual(t, ag.Score, 1.0)
		})
	}

	assert.InDelta(t, 1.0, TermAgreement("fièvre", "Fievre").Score, 1e-9)
}

func TestValidate_AgreementUsesSynonyms(t *testing.T) {
	v := New(seedStore(t))

	got, err := v.Validate(context.Background(), finding("douleur de poitrine", "29857009"))
	require.NoError(t, err)
	require.NotNil(t, got.TermAgreement)
	assert.InDelta(t, 1.0, got.TermAgreement.Score, 1e-9)
	assert.Equal(t, "douleur de poitrine", got.TermAgreement.ComparedWith)
}
