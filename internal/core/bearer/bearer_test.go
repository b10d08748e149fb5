package bearer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidateRoundTrip(t *testing.T) {
	token, err := Mint("super-secret")
	require.NoError(t, err)
	assert.NoError(t, Validate(token, "super-secret"))
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := Mint("super-secret")
	require.NoError(t, err)
	assert.Error(t, Validate(token, "wrong-secret"))
}

func TestValidateRejectsGarbage(t *testing.T) {
	assert.Error(t, Validate("not-a-jwt", "super-secret"))
}
