package cmd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRouting(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("unknown command errors", func(t *testing.T) {
		os.Args = []string{"docgraph", "bogus"}
		err := Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bogus")
	})

	t.Run("help succeeds", func(t *testing.T) {
		os.Args = []string{"docgraph", "help"}
		assert.NoError(t, Execute())
	})

	t.Run("version succeeds without a config file", func(t *testing.T) {
		t.Setenv("DOCGRAPH_CONFIG_DIR", t.TempDir())
		os.Args = []string{"docgraph", "version"}
		assert.NoError(t, Execute())
	})
}
