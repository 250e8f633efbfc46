package build

import (
	"context"

	"github.com/outofforest/build"
	"github.com/outofforest/buildgo"
)

// testTag selects parameter files with small scanner buffers, so tests cross buffer boundaries often.
const testTag = "test"

func goTests(ctx context.Context, deps build.DepsFunc) error {
	return buildgo.GoTest(ctx, deps, testTag)
}
