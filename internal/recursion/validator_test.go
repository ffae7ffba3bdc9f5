package recursion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_NegativeDepthsAreInvalid(t *testing.T) {
	d := Validate(-1, 5, nil)
	assert.False(t, d.IsValid)
	assert.NotEmpty(t, d.ErrorMessage)

	d = Validate(0, -1, nil)
	assert.False(t, d.IsValid)
}

func TestValidate_AtMaxDepthIsInvalid(t *testing.T) {
	d := Validate(5, 5, nil)
	assert.False(t, d.IsValid)
}

func TestValidate_BelowMaxDepthIsValid(t *testing.T) {
	d := Validate(4, 5, nil)
	assert.True(t, d.IsValid)
	assert.Empty(t, d.ErrorMessage)
}

func TestValidate_AdjustedTimeoutGrowsByDepth(t *testing.T) {
	d := Validate(0, 5, nil)
	assert.InDelta(t, 300*math.Pow(1.5, 1), d.AdjustedTimeout, 0.001)

	d = Validate(2, 5, nil)
	assert.InDelta(t, 300*math.Pow(1.5, 3), d.AdjustedTimeout, 0.001)
}

func TestValidate_DefaultWorkerTable(t *testing.T) {
	cases := map[int]int{0: 10, 1: 8, 2: 5, 3: 3, 4: 2, 5: 1}
	for depth, want := range cases {
		d := Validate(depth-1, 10, nil)
		assert.Equal(t, want, d.MaxWorkers, "depth %d", depth)
	}
}

func TestValidate_UnspecifiedDepthDefaultsToOne(t *testing.T) {
	d := Validate(6, 10, nil)
	assert.Equal(t, 1, d.MaxWorkers)
}

func TestValidate_CallerSuppliedTableOverridesDefault(t *testing.T) {
	d := Validate(0, 5, map[int]int{1: 42})
	assert.Equal(t, 42, d.MaxWorkers)
}

func TestValidate_IsPure(t *testing.T) {
	a := Validate(2, 5, map[int]int{3: 7})
	b := Validate(2, 5, map[int]int{3: 7})
	assert.Equal(t, a, b)
}

func TestDetectCircularReference(t *testing.T) {
	ancestors := []string{"job_a", "job_b", "job_c"}
	assert.True(t, DetectCircularReference(ancestors, "job_b"))
	assert.False(t, DetectCircularReference(ancestors, "job_d"))
	assert.False(t, DetectCircularReference(nil, "job_a"))
}
