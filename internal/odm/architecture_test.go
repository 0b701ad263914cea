package odm

import (
	"testing"

	"ravesim/testutil"
)

// Documents render from a domain.View snapshot only.
func TestRendererDoesNotImportEngine(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.PackagesForbidden("ravesim/internal/core", "ravesim/internal/infra"), "odm renders views, not engines")
}
