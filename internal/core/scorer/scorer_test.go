package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBonusSameRegion(t *testing.T) {
	s := New("us-east", 0)
	assert.Equal(t, DefaultBonus, s.Bonus("us-east"))
	assert.Equal(t, 0.0, s.Bonus("eu-west"))
}

func TestBonusBlankRegionsNeverMatch(t *testing.T) {
	assert.Equal(t, 0.0, New("", 0).Bonus(""))
	assert.Equal(t, 0.0, New("us-east", 0).Bonus(""))
	assert.Equal(t, 0.0, New("", 0).Bonus("us-east"))
}

func TestApplyCapsCombinedScore(t *testing.T) {
	s := New("us-east", 0.9)
	assert.Equal(t, MaxScore, s.Apply(1.0, "us-east"))
	assert.Equal(t, 1.0, s.Apply(1.0, "eu-west"))
}
