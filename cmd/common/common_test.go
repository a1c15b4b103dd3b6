package common

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestParseStringSlice(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("single", "a, b,,c")
	v.Set("repeated", []string{"a,b", "c"})
	v.Set("empty", "")
	require.Equal(t, []string{"a", "b", "c"}, ParseStringSlice(v, "single"))
	require.Equal(t, []string{"a", "b", "c"}, ParseStringSlice(v, "repeated"))
	require.Empty(t, ParseStringSlice(v, "empty"))
	require.Empty(t, ParseStringSlice(v, "missing"))
}
