package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func collect[T any](items <-chan T, errs <-chan error) ([]T, error) {
	var out []T
	for it := range items {
		out = append(out, it)
	}
	return out, <-errs
}

func TestDecodeJSON_Array(t *testing.T) {
	items, err := collect(DecodeJSON[item](context.Background(),
		strings.NewReader(`  [{"id":1,"name":"a"},{"id":2,"name":"b"}]`)))
	require.NoError(t, err)
	assert.Equal(t, []item{{1, "a"}, {2, "b"}}, items)
}

func TestDecodeJSON_Lines(t *testing.T) {
	input := "{\"id\":1,\"name\":\"a\"}\n{\"id\":2,\"name\":\"b\"}\n\n{\"id\":3,\"name\":\"c\"}\n"
	items, err := collect(DecodeJSON[item](context.Background(), strings.NewReader(input)))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[2].Name)
}

func TestDecodeJSON_ByteOrderMark(t *testing.T) {
	items, err := collect(DecodeJSON[item](context.Background(),
		strings.NewReader("\ufeff[{\"id\":7}]")))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 7, items[0].ID)
}

func TestDecodeJSON_Empty(t *testing.T) {
	for _, input := range []string{"", "   \n", "[]"} {
		items, err := collect(DecodeJSON[item](context.Background(), strings.NewReader(input)))
		require.NoError(t, err, "input %q", input)
		assert.Empty(t, items)
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	items, err := collect(DecodeJSON[item](context.Background(),
		strings.NewReader(`[{"id":1},{"id":"two"}]`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json: decode element")
	assert.Len(t, items, 1)
}

func TestDecodeJSON_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collect(DecodeJSON[item](ctx, strings.NewReader(`[{"id":1}]`)))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
