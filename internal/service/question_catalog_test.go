package service

import (
	"testing"

	"lms_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogMarksMatchingHeadingComposite(t *testing.T) {
	catalog, err := LoadQuestionCatalog("")
	require.NoError(t, err)

	assert.True(t, catalog.IsComposite("Matching Heading"))
	assert.True(t, catalog.IsComposite("matching heading"))
	assert.False(t, catalog.IsComposite("Multiple Choice"))
	assert.False(t, catalog.IsComposite("Custom Type"))
	assert.False(t, catalog.Known("Custom Type"))
}

func TestCatalogValidateReportsFieldPaths(t *testing.T) {
	catalog, err := LoadQuestionCatalog("")
	require.NoError(t, err)

	verr := util.NewValidationError()
	err = catalog.Validate("Fill in the Blank", map[string]interface{}{
		"word_limit": 0,
	}, "passages[0].question_groups[0].questions[1].question_data", verr)
	require.NoError(t, err)
	require.False(t, verr.Empty())
	assert.Contains(t, verr.Fields, "passages[0].question_groups[0].questions[1].question_data.word_limit")
}

func TestCatalogAcceptsUnknownTypesFreeForm(t *testing.T) {
	catalog, err := LoadQuestionCatalog("")
	require.NoError(t, err)

	verr := util.NewValidationError()
	require.NoError(t, catalog.Validate("Diagram Label", map[string]interface{}{"anything": []int{1, 2}}, "q", verr))
	assert.True(t, verr.Empty())

	require.NoError(t, catalog.Validate("Multiple Choice", map[string]interface{}{"max_choices": 2}, "q", verr))
	assert.True(t, verr.Empty())
}

func TestParseQuestionCatalogRejectsBadSchema(t *testing.T) {
	_, err := ParseQuestionCatalog([]byte(`
types:
  - name: Broken
    schema:
      type: 12
`))
	assert.Error(t, err)

	_, err = ParseQuestionCatalog([]byte(`types: [{composite: true}]`))
	assert.Error(t, err)
}
