package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRaiseInvariant(t *testing.T) {
	invariantsMetric.Reset() // Reset the metric to ensure a clean state for the test.
	prevTestMode := IsTestMode
	IsTestMode = false // Avoid the test-mode panic; we only want the counter side effect here.
	t.Cleanup(func() { IsTestMode = prevTestMode })

	RaiseInvariant("invariant", "test", "This is a test invariant violation")
	gotInvariants := GetMetricValue("invariant" /*module*/, "test" /*invariantType*/)
	assert.Equal(t, 1, gotInvariants)
}
