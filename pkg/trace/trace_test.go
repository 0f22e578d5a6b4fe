package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	assert.Equal(t, "abc", FromContext(Ensure(ctx)))
}

func TestEnsureGeneratesID(t *testing.T) {
	ctx := Ensure(context.Background())
	id := FromContext(ctx)
	assert.Len(t, id, 32)
	assert.NotEqual(t, id, FromContext(Ensure(context.Background())))
}
