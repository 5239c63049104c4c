package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPool_RejectsEmptyConnString(t *testing.T) {
	_, err := NewPool(context.Background(), "")
	require.Error(t, err)
}

func TestNewPool_RejectsMalformedConnString(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://flow@localhost:notaport/db")
	require.Error(t, err)
}
