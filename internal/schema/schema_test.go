package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/types"
)

const userSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "age": {"type": "integer", "minimum": 0}
  },
  "required": ["name"]
}`

func TestValidateAcceptsConformingDocument(t *testing.T) {
	v, err := Compile("solidb://users/schema.json", []byte(userSchema))
	require.NoError(t, err)

	err = v.Validate(types.Document{"name": "Alice", "age": int64(30)})
	assert.NoError(t, err)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v, err := Compile("solidb://users/schema.json", []byte(userSchema))
	require.NoError(t, err)

	err = v.Validate(types.Document{"age": int64(30)})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindSchemaFail))
}

func TestValidateRejectsWrongFieldType(t *testing.T) {
	v, err := Compile("solidb://users/schema.json", []byte(userSchema))
	require.NoError(t, err)

	err = v.Validate(types.Document{"name": "Alice", "age": "thirty"})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindSchemaFail))
}

func TestCompileRejectsMalformedSchema(t *testing.T) {
	_, err := Compile("solidb://broken/schema.json", []byte(`{"type": `))
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindParse))
}
