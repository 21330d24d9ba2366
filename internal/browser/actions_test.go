package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateActionSequence_Navigate(t *testing.T) {
	cdpAction, err := GenerateActionSequence(OpNavigate, "", "https://example.com", nil)
	assert.NoError(t, err)
	assert.NotNil(t, cdpAction)
}

func TestGenerateActionSequence_NavigateRequiresURL(t *testing.T) {
	_, err := GenerateActionSequence(OpNavigate, "", "", nil)
	assert.Error(t, err)

	_, err = GenerateActionSequence(OpNavigate, "", "not a url", nil)
	assert.Error(t, err)
}

func TestGenerateActionSequence_SelectorActions(t *testing.T) {
	for _, op := range []Op{OpWaitVisible, OpClick, OpType, OpSubmit} {
		cdpAction, err := GenerateActionSequence(op, "#content", "value", nil)
		assert.NoError(t, err, op)
		assert.NotNil(t, cdpAction, op)

		_, err = GenerateActionSequence(op, "", "value", nil)
		assert.Error(t, err, "%s without selector", op)
	}
}

func TestGenerateActionSequence_ResultTypes(t *testing.T) {
	var s string
	var b bool
	var n int

	_, err := GenerateActionSequence(OpText, "", "", &s)
	assert.NoError(t, err)
	_, err = GenerateActionSequence(OpTitle, "", "", &s)
	assert.NoError(t, err)
	_, err = GenerateActionSequence(OpOuterHTML, "main", "", &s)
	assert.NoError(t, err)
	_, err = GenerateActionSequence(OpExists, "main", "", &b)
	assert.NoError(t, err)
	_, err = GenerateActionSequence(OpPing, "", "", &n)
	assert.NoError(t, err)

	_, err = GenerateActionSequence(OpText, "", "", &b)
	assert.Error(t, err)
	_, err = GenerateActionSequence(OpExists, "main", "", &s)
	assert.Error(t, err)
	_, err = GenerateActionSequence(OpPing, "", "", nil)
	assert.Error(t, err)
}

func TestGenerateActionSequence_Reset(t *testing.T) {
	cdpAction, err := GenerateActionSequence(OpReset, "", "", nil)
	assert.NoError(t, err)
	assert.NotNil(t, cdpAction)
}

func TestGenerateActionSequence_InvalidAction(t *testing.T) {
	_, err := GenerateActionSequence(Op("scroll"), "", "", nil)
	assert.Error(t, err)
}
