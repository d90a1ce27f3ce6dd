package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpen_RequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}
